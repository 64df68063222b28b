// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
)

// commandSubjectPrefix is the root of the request/reply command surface. The
// full subject is "<prefix>.<actor_id>.<operation>", so each agent only
// answers commands addressed to its own actor.
const commandSubjectPrefix = "meetsync.cmd"

// commandTimeout bounds how long a single command may occupy the apply loop.
const commandTimeout = 30 * time.Second

// commandAPI serves app-initiated operations over NATS request/reply. Cache
// mutation is funneled through the apply loop so the single-goroutine
// ownership of the cache holds for commands too; share operations only touch
// the KV bucket and run on the subscription goroutine directly.
type commandAPI struct {
	agent  *syncAgent
	loop   *applyLoop
	shares *shareManager
	dir    *profileDirectory
}

// commandReply is the uniform response envelope. ErrorKind carries the
// silent/actionable/generic classification so the app layer can decide
// whether to surface the failure.
type commandReply struct {
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func newCommandAPI(agent *syncAgent, loop *applyLoop, shares *shareManager, dir *profileDirectory) *commandAPI {
	return &commandAPI{agent: agent, loop: loop, shares: shares, dir: dir}
}

// subscribe registers the command handler on the agent's command subject.
func (c *commandAPI) subscribe(conn *nats.Conn, actorID string) (*nats.Subscription, error) {
	subject := commandSubjectPrefix + "." + actorID + ".*"
	return conn.Subscribe(subject, c.handleCommand)
}

func (c *commandAPI) handleCommand(msg *nats.Msg) {
	op := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	logger.With("operation", op, "subject", msg.Subject).DebugContext(ctx, "handling command")

	data, err := c.dispatch(ctx, op, msg.Data)
	reply := commandReply{OK: err == nil, Data: data}
	if err != nil {
		reply.Error = err.Error()
		reply.ErrorKind = classifyError(err).String()
		logger.With(errKey, err, "operation", op).ErrorContext(ctx, "command failed")
	}

	out, err := json.Marshal(reply)
	if err != nil {
		logger.With(errKey, err, "operation", op).ErrorContext(ctx, "error marshalling command reply")
		return
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(out); err != nil {
		logger.With(errKey, err, "operation", op).ErrorContext(ctx, "error responding to command")
	}
}

func (c *commandAPI) dispatch(ctx context.Context, op string, data []byte) (json.RawMessage, error) {
	switch op {
	case "create_meeting":
		return c.createMeeting(ctx, data)
	case "update_meeting":
		return nil, c.updateMeeting(ctx, data)
	case "delete_meeting":
		return nil, c.deleteMeeting(ctx, data)
	case "list_meetings":
		return c.listMeetings(ctx)
	case "list_occurrences":
		return c.listOccurrences(ctx, data)
	case "arrive":
		return nil, c.withMeetingID(ctx, data, c.agent.markArrived)
	case "leave":
		return nil, c.withMeetingID(ctx, data, c.agent.leaveMeeting)
	case "update_location":
		return nil, c.updateLocation(ctx, data)
	case "post_message":
		return c.postMessage(ctx, data)
	case "list_messages":
		return c.listMessages(ctx, data)
	case "update_profile":
		return nil, c.updateProfile(ctx, data)
	case "get_profile":
		return c.getProfile(ctx, data)
	case "create_share":
		return c.createShare(ctx, data)
	case "accept_share":
		return c.acceptShare(ctx, data)
	case "revoke_share":
		return nil, c.revokeShare(ctx, data)
	case "sync_now":
		c.loop.nudge()
		return nil, nil
	case "last_error":
		return c.lastError()
	default:
		return nil, errUnknownCommand(op)
	}
}

// onLoop runs fn on the apply goroutine and propagates its error.
func (c *commandAPI) onLoop(ctx context.Context, fn func(context.Context) error) error {
	var opErr error
	if err := c.loop.call(ctx, func(loopCtx context.Context) {
		opErr = fn(loopCtx)
	}); err != nil {
		return err
	}
	return opErr
}

type createMeetingRequest struct {
	Title            string    `json:"title"`
	StartTime        time.Time `json:"start_time"`
	Recurrence       string    `json:"recurrence,omitempty"`
	LocationName     string    `json:"location_name"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	Notes            string    `json:"notes"`
	ShareLeadMinutes int       `json:"share_lead_minutes"`
}

type meetingIDRequest struct {
	MeetingID string `json:"meeting_id"`
}

func (c *commandAPI) createMeeting(ctx context.Context, data []byte) (json.RawMessage, error) {
	var req createMeetingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	var created Meeting
	err := c.onLoop(ctx, func(loopCtx context.Context) error {
		var opErr error
		created, opErr = c.agent.createMeeting(loopCtx, Meeting{
			Title:            req.Title,
			StartTime:        req.StartTime,
			Recurrence:       req.Recurrence,
			LocationName:     req.LocationName,
			Latitude:         req.Latitude,
			Longitude:        req.Longitude,
			Notes:            req.Notes,
			ShareLeadMinutes: req.ShareLeadMinutes,
		})
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		MeetingID string `json:"meeting_id"`
	}{MeetingID: created.ID.String()})
}

func (c *commandAPI) updateMeeting(ctx context.Context, data []byte) error {
	var req struct {
		meetingIDRequest
		createMeetingRequest
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	id, err := parseRecordID(req.MeetingID)
	if err != nil {
		return err
	}
	return c.onLoop(ctx, func(loopCtx context.Context) error {
		m, err := c.agent.cache.GetMeeting(loopCtx, id)
		if err != nil {
			return err
		}
		m.Title = req.Title
		m.StartTime = req.StartTime
		m.Recurrence = req.Recurrence
		m.LocationName = req.LocationName
		m.Latitude = req.Latitude
		m.Longitude = req.Longitude
		m.Notes = req.Notes
		m.ShareLeadMinutes = req.ShareLeadMinutes
		return c.agent.updateMeeting(loopCtx, m)
	})
}

func (c *commandAPI) deleteMeeting(ctx context.Context, data []byte) error {
	return c.withMeetingID(ctx, data, c.agent.deleteMeeting)
}

func (c *commandAPI) withMeetingID(ctx context.Context, data []byte, fn func(context.Context, RecordID) error) error {
	var req meetingIDRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	id, err := parseRecordID(req.MeetingID)
	if err != nil {
		return err
	}
	return c.onLoop(ctx, func(loopCtx context.Context) error {
		return fn(loopCtx, id)
	})
}

type meetingView struct {
	MeetingID string `json:"meeting_id"`
	Meeting
}

func (c *commandAPI) listMeetings(ctx context.Context) (json.RawMessage, error) {
	var meetings []Meeting
	err := c.onLoop(ctx, func(loopCtx context.Context) error {
		var opErr error
		meetings, opErr = c.agent.cache.ListMeetings(loopCtx)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	views := make([]meetingView, 0, len(meetings))
	for _, m := range meetings {
		if m.Hidden {
			continue
		}
		views = append(views, meetingView{MeetingID: m.ID.String(), Meeting: m})
	}
	return json.Marshal(views)
}

// defaultOccurrenceLimit bounds schedule expansion when the request does not
// name a limit.
const defaultOccurrenceLimit = 10

func (c *commandAPI) listOccurrences(ctx context.Context, data []byte) (json.RawMessage, error) {
	var req struct {
		meetingIDRequest
		Limit int `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	id, err := parseRecordID(req.MeetingID)
	if err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = defaultOccurrenceLimit
	}
	var m Meeting
	if err := c.onLoop(ctx, func(loopCtx context.Context) error {
		var opErr error
		m, opErr = c.agent.cache.GetMeeting(loopCtx, id)
		return opErr
	}); err != nil {
		return nil, err
	}
	occurrences, err := upcomingOccurrences(m, timeNow().UTC(), req.Limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Occurrences []time.Time `json:"occurrences"`
	}{Occurrences: occurrences})
}

func (c *commandAPI) updateLocation(ctx context.Context, data []byte) error {
	var req struct {
		meetingIDRequest
		Latitude   float64 `json:"latitude"`
		Longitude  float64 `json:"longitude"`
		ETAMinutes *int    `json:"eta_minutes,omitempty"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	id, err := parseRecordID(req.MeetingID)
	if err != nil {
		return err
	}
	return c.onLoop(ctx, func(loopCtx context.Context) error {
		return c.agent.updateLocation(loopCtx, id, req.Latitude, req.Longitude, req.ETAMinutes)
	})
}

func (c *commandAPI) postMessage(ctx context.Context, data []byte) (json.RawMessage, error) {
	var req struct {
		meetingIDRequest
		Body string `json:"body"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	id, err := parseRecordID(req.MeetingID)
	if err != nil {
		return nil, err
	}
	var posted ChatMessage
	if err := c.onLoop(ctx, func(loopCtx context.Context) error {
		var opErr error
		posted, opErr = c.agent.postMessage(loopCtx, id, req.Body)
		return opErr
	}); err != nil {
		return nil, err
	}
	return json.Marshal(posted)
}

func (c *commandAPI) listMessages(ctx context.Context, data []byte) (json.RawMessage, error) {
	var req meetingIDRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	id, err := parseRecordID(req.MeetingID)
	if err != nil {
		return nil, err
	}
	var msgs []ChatMessage
	if err := c.onLoop(ctx, func(loopCtx context.Context) error {
		var opErr error
		msgs, opErr = c.agent.cache.ListMessages(loopCtx, id)
		return opErr
	}); err != nil {
		return nil, err
	}
	return json.Marshal(msgs)
}

func (c *commandAPI) updateProfile(ctx context.Context, data []byte) error {
	var req struct {
		DisplayName string `json:"display_name"`
		Photo       []byte `json:"photo,omitempty"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	return c.onLoop(ctx, func(loopCtx context.Context) error {
		err := c.agent.updateProfile(loopCtx, req.DisplayName, req.Photo)
		if err == nil && c.dir != nil {
			c.dir.invalidate(c.agent.actorID)
		}
		return err
	})
}

func (c *commandAPI) getProfile(ctx context.Context, data []byte) (json.RawMessage, error) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	var profile UserProfile
	if err := c.onLoop(ctx, func(loopCtx context.Context) error {
		var opErr error
		profile, opErr = c.agent.cache.GetProfile(loopCtx, req.UserID)
		if errors.Is(opErr, errNotFound) && c.dir != nil {
			// Cache miss: fall through to the directory mirror.
			opErr = c.agent.refreshProfile(loopCtx, c.dir, req.UserID)
			if opErr == nil {
				profile, opErr = c.agent.cache.GetProfile(loopCtx, req.UserID)
			}
		}
		return opErr
	}); err != nil {
		return nil, err
	}
	return json.Marshal(profile)
}

func (c *commandAPI) createShare(ctx context.Context, data []byte) (json.RawMessage, error) {
	var req meetingIDRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	id, err := parseRecordID(req.MeetingID)
	if err != nil {
		return nil, err
	}
	// Validate locally before minting anything: only known, pushed meetings
	// are shareable, and only inside their share window when one applies.
	if err := c.onLoop(ctx, func(loopCtx context.Context) error {
		m, err := c.agent.cache.GetMeeting(loopCtx, id)
		if err != nil {
			return err
		}
		if m.Dirty {
			return errMeetingNotPushed(id)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	handle, err := c.shares.createShare(ctx, id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(handle)
}

func (c *commandAPI) acceptShare(ctx context.Context, data []byte) (json.RawMessage, error) {
	var req struct {
		Handle string `json:"handle"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	rootID, err := c.shares.acceptShare(ctx, req.Handle)
	if err != nil {
		return nil, err
	}
	// Seed the actor's own attendee row so the next push announces them to
	// the group, then pull the newly visible shared records.
	if err := c.onLoop(ctx, func(loopCtx context.Context) error {
		a, err := c.agent.attendeeRowForSelf(loopCtx, rootID)
		if err != nil {
			return err
		}
		a.UpdatedAt = timeNow().UTC()
		a.Dirty = true
		return c.agent.cache.UpsertAttendee(loopCtx, a)
	}); err != nil {
		return nil, err
	}
	c.loop.nudge()
	return json.Marshal(struct {
		MeetingID string `json:"meeting_id"`
	}{MeetingID: rootID.String()})
}

func (c *commandAPI) revokeShare(ctx context.Context, data []byte) error {
	var req meetingIDRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	id, err := parseRecordID(req.MeetingID)
	if err != nil {
		return err
	}
	return c.shares.revokeShare(ctx, id)
}

func (c *commandAPI) lastError() (json.RawMessage, error) {
	err, kind := c.agent.lastErr.take()
	out := struct {
		Error string `json:"error,omitempty"`
		Kind  string `json:"kind,omitempty"`
	}{}
	if err != nil {
		out.Error = err.Error()
		out.Kind = kind.String()
	}
	return json.Marshal(out)
}
