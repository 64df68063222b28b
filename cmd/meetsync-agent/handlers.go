// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// recordChangeEvent mirrors the JSON payload published by the
// record-stream-consumer. EventName is one of INSERT, MODIFY, or REMOVE.
type recordChangeEvent struct {
	EventID                 string         `json:"event_id"`
	EventName               string         `json:"event_name"`
	TableName               string         `json:"table_name"`
	SequenceNumber          string         `json:"sequence_number"`
	ApproximateCreationTime time.Time      `json:"approximate_creation_time"`
	Keys                    map[string]any `json:"keys,omitempty"`
	NewImage                map[string]any `json:"new_image,omitempty"`
	OldImage                map[string]any `json:"old_image,omitempty"`
}

// isValid reports whether the event carries enough to act on.
func (e *recordChangeEvent) isValid() bool {
	return e.TableName != "" && e.EventName != "" && len(e.Keys) > 0
}

// changeConsumer glues the JetStream consumer to the apply loop: it parses
// change events off the wire, resolves the partition from the table name,
// and forwards the work so that all cache mutation stays on the loop's
// goroutine. Ack/nak is decided here; the handlers only report shouldRetry.
type changeConsumer struct {
	loop       *applyLoop
	partitions map[string]Partition // table name -> partition
}

func newChangeConsumer(loop *applyLoop, ownedTable, sharedTable string) *changeConsumer {
	return &changeConsumer{
		loop: loop,
		partitions: map[string]Partition{
			ownedTable:  PartitionOwned,
			sharedTable: PartitionShared,
		},
	}
}

// handleMsg processes one JetStream message from the record change stream.
func (c *changeConsumer) handleMsg(msg jetstream.Msg) {
	ctx := context.Background()
	subject := msg.Subject()

	var event recordChangeEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		logger.With(errKey, err, "subject", subject).ErrorContext(ctx, "failed to unmarshal record change event")
		if ackErr := msg.Ack(); ackErr != nil {
			logger.With(errKey, ackErr, "subject", subject).Error("failed to ack malformed change event")
		}
		return
	}
	if !event.isValid() {
		logger.With("subject", subject).WarnContext(ctx, "record change event missing required fields, ignoring")
		if ackErr := msg.Ack(); ackErr != nil {
			logger.With(errKey, ackErr, "subject", subject).Error("failed to ack invalid change event")
		}
		return
	}

	partition, ok := c.partitions[event.TableName]
	if !ok {
		logger.With("table", event.TableName).WarnContext(ctx, "change event for unknown table, ignoring")
		if ackErr := msg.Ack(); ackErr != nil {
			logger.With(errKey, ackErr, "subject", subject).Error("failed to ack unroutable change event")
		}
		return
	}

	shouldRetry := c.loop.submitChange(partition, event)
	if shouldRetry {
		if err := msg.Nak(); err != nil {
			logger.With(errKey, err, "subject", subject).Error("failed to NAK change event for retry")
		}
		return
	}
	if err := msg.Ack(); err != nil {
		logger.With(errKey, err, "subject", subject).Error("failed to ack change event")
	}
}

// applyChangeEvent folds one change event into the cache. Runs on the apply
// loop goroutine.
func (s *syncAgent) applyChangeEvent(ctx context.Context, partition Partition, event recordChangeEvent) {
	switch strings.ToUpper(event.EventName) {
	case "INSERT", "MODIFY":
		rec, err := imageToRemoteRecord(event.NewImage)
		if err != nil {
			logger.With(errKey, err, "table", event.TableName).ErrorContext(ctx, "unusable change event image")
			return
		}
		if err := s.applyRemoteRecord(ctx, rec); err != nil {
			logger.With(errKey, err, "pk", rec.PK).ErrorContext(ctx, "failed to apply change event")
			s.lastErr.set(err)
		}
	case "REMOVE":
		pk := stringAttr(event.Keys, "pk")
		if pk == "" {
			pk = stringAttr(event.OldImage, "pk")
		}
		if pk == "" {
			logger.With("table", event.TableName).WarnContext(ctx, "REMOVE event without a key, ignoring")
			return
		}
		if err := s.applyRemoteRemove(ctx, partition, pk, stringAttr(event.OldImage, "record_type")); err != nil {
			logger.With(errKey, err, "pk", pk).ErrorContext(ctx, "failed to apply remote removal")
			s.lastErr.set(err)
		}
	default:
		logger.With("event_name", event.EventName).DebugContext(ctx, "ignoring unknown change event name")
	}
}

// applyRemoteRemove reflects a remote deletion locally: owned records are
// purged, shared meetings are hidden (the participant-side soft path), and
// dependent rows follow their meeting.
func (s *syncAgent) applyRemoteRemove(ctx context.Context, partition Partition, pk, recordType string) error {
	id, err := parseRecordID(pk)
	if err != nil {
		return err
	}

	switch recordType {
	case recordTypeMeeting:
		if partition == PartitionShared {
			return s.cache.HideMeeting(ctx, id)
		}
		return s.cache.DeleteMeeting(ctx, id)
	case recordTypeAttendee:
		meetingID, ok := meetingIDForAttendeeKey(id)
		if !ok {
			return fmt.Errorf("attendee key %s has no meeting component", pk)
		}
		// An attendee row only disappears remotely when the owner purges
		// it; mark the row departed rather than dropping history.
		local, err := s.cache.GetAttendee(ctx, meetingID, id.Name[strings.Index(id.Name, "#")+1:])
		if errors.Is(err, errNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		now := timeNow().UTC()
		local.Left = true
		local.LeftUpdatedAt = maxTime(local.LeftUpdatedAt, now)
		local.UpdatedAt = maxTime(local.UpdatedAt, now)
		local.normalize()
		return s.cache.UpsertAttendee(ctx, local)
	default:
		// Messages are append-only and profiles follow the directory; a
		// REMOVE for either is ignored.
		logger.With("pk", pk, "record_type", recordType).DebugContext(ctx, "ignoring remote removal")
		return nil
	}
}

// imageToRemoteRecord rebuilds the record envelope from a stream image.
// Binary attributes arrive base64-encoded when the event travelled as JSON.
func imageToRemoteRecord(image map[string]any) (remoteRecord, error) {
	if len(image) == 0 {
		return remoteRecord{}, fmt.Errorf("change event has no new image")
	}
	rec := remoteRecord{
		PK:         stringAttr(image, "pk"),
		RecordType: stringAttr(image, "record_type"),
		UpdatedAt:  stringAttr(image, "updated_at"),
	}
	if rec.PK == "" || rec.RecordType == "" {
		return remoteRecord{}, fmt.Errorf("change event image missing pk or record_type")
	}
	switch v := image["payload"].(type) {
	case []byte:
		rec.Payload = v
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			// Not base64: the payload was published as raw JSON text.
			rec.Payload = []byte(v)
		} else {
			rec.Payload = decoded
		}
	default:
		return remoteRecord{}, fmt.Errorf("change event image has no payload for %s", rec.PK)
	}
	return rec, nil
}

// stringAttr reads a string attribute out of a stream image.
func stringAttr(image map[string]any, key string) string {
	if image == nil {
		return ""
	}
	s, _ := image[key].(string)
	return s
}
