// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
//
// Record sharing. The owner of a meeting mints a share handle: a signed token
// naming the meeting's composite identity, plus a short base58 invite code
// that maps to the token through a KV bucket. A participant accepts the
// handle, which verifies the token, registers their membership, and seeds
// their own attendee row so the next push announces them to the group.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/akamensky/base58"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// shareCodeKeyPrefix maps invite codes to share tokens.
	shareCodeKeyPrefix = "share_code."
	// shareMemberKeyPrefix records accepted memberships, keyed
	// "share_member.{meeting name}.{user ID}".
	shareMemberKeyPrefix = "share_member."

	shareCodeBytes = 8
	shareTokenTTL  = 30 * 24 * time.Hour
)

// ShareHandle is what createShare returns: the signed token, the short
// invite code, and the root record the share grants access to.
type ShareHandle struct {
	Token  string
	Code   string
	RootID RecordID
}

// shareClaims is the token payload.
type shareClaims struct {
	jwt.RegisteredClaims
	// MeetingPK is the composite identity of the shared meeting.
	MeetingPK string `json:"meeting_pk"`
}

// shareManager mints, resolves, and revokes share handles.
type shareManager struct {
	kv      jetstream.KeyValue
	locker  shareLocker
	secret  []byte
	actorID string
}

func newShareManager(kv jetstream.KeyValue, locker shareLocker, secret []byte, actorID string) *shareManager {
	return &shareManager{kv: kv, locker: locker, secret: secret, actorID: actorID}
}

// createShare mints a share handle for a meeting the actor owns.
func (m *shareManager) createShare(ctx context.Context, rootID RecordID) (ShareHandle, error) {
	if rootID.Owner != m.actorID {
		return ShareHandle{}, fmt.Errorf("cannot share meeting %s: not owned by %s", rootID, m.actorID)
	}

	now := timeNow().UTC()
	claims := shareClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.actorID,
			Subject:   rootID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(shareTokenTTL)),
			ID:        uuid.New().String(),
		},
		MeetingPK: rootID.String(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return ShareHandle{}, fmt.Errorf("failed to sign share token for %s: %w", rootID, err)
	}

	code, err := newInviteCode()
	if err != nil {
		return ShareHandle{}, err
	}
	if _, err := m.kv.Create(ctx, shareCodeKeyPrefix+code, []byte(token)); err != nil {
		return ShareHandle{}, fmt.Errorf("failed to store invite code mapping: %w", err)
	}

	logger.With("pk", rootID.String(), "code", code).InfoContext(ctx, "created share")
	return ShareHandle{Token: token, Code: code, RootID: rootID}, nil
}

// acceptShare resolves a share handle (token or invite code), verifies it,
// registers the actor's membership under a per-meeting lock, and returns the
// root record identity. The caller seeds the attendee row and lets the next
// sync cycle pull the shared records in.
func (m *shareManager) acceptShare(ctx context.Context, handle string) (RecordID, error) {
	token := handle
	if !strings.Contains(handle, ".") {
		// Short form: an invite code to resolve through KV.
		entry, err := m.kv.Get(ctx, shareCodeKeyPrefix+handle)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return RecordID{}, errShareRevoked
		}
		if err != nil {
			return RecordID{}, fmt.Errorf("failed to resolve invite code: %w", err)
		}
		token = string(entry.Value())
	}

	claims := &shareClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return RecordID{}, errShareRevoked
		}
		return RecordID{}, fmt.Errorf("failed to verify share token: %w", err)
	}
	if !parsed.Valid {
		return RecordID{}, errShareRevoked
	}

	rootID, err := parseRecordID(claims.MeetingPK)
	if err != nil {
		return RecordID{}, fmt.Errorf("share token names a bad record: %w", err)
	}
	if rootID.Owner == m.actorID {
		return RecordID{}, fmt.Errorf("cannot accept a share of a meeting %s already owns", m.actorID)
	}

	// Serialize membership registration: the same invite accepted from two
	// devices at once must produce exactly one membership entry.
	lockKey := shareLockKeyPrefix + rootID.Name
	acquired, waited := m.locker.acquire(ctx, lockKey)
	if !acquired {
		return RecordID{}, fmt.Errorf("could not acquire share lock for %s", rootID)
	}
	if waited {
		logger.With("pk", rootID.String()).DebugContext(ctx, "waited for share lock")
	}
	defer func() {
		if err := m.locker.release(ctx, lockKey); err != nil {
			logger.With(errKey, err, "pk", rootID.String()).Error("failed to release share lock")
		}
	}()

	memberKey := shareMemberKeyPrefix + rootID.Name + "." + m.actorID
	if _, err := m.kv.Create(ctx, memberKey, []byte(formatTimestamp(timeNow()))); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			// Already a member; accepting again is idempotent.
			return rootID, nil
		}
		return RecordID{}, fmt.Errorf("failed to register share membership: %w", err)
	}

	logger.With("pk", rootID.String(), "user_id", m.actorID).InfoContext(ctx, "accepted share")
	return rootID, nil
}

// revokeShare removes every invite code pointing at the meeting, so pending
// handles stop resolving. Existing members keep their rows until the owner
// deletes the meeting itself.
func (m *shareManager) revokeShare(ctx context.Context, rootID RecordID) error {
	if rootID.Owner != m.actorID {
		return fmt.Errorf("cannot revoke share of meeting %s: not owned by %s", rootID, m.actorID)
	}

	keys, err := m.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return fmt.Errorf("failed to list share keys: %w", err)
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, shareCodeKeyPrefix) {
			continue
		}
		entry, err := m.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		claims := &shareClaims{}
		// Unverified parse is fine here: we only need the meeting key to
		// decide whether this code belongs to the share being revoked.
		if _, _, err := jwt.NewParser().ParseUnverified(string(entry.Value()), claims); err != nil {
			continue
		}
		if claims.MeetingPK != rootID.String() {
			continue
		}
		if err := m.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete invite code %s: %w", key, err)
		}
	}

	logger.With("pk", rootID.String()).InfoContext(ctx, "revoked share")
	return nil
}

// newInviteCode generates a short base58 invite code.
func newInviteCode() (string, error) {
	buf := make([]byte, shareCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate invite code: %w", err)
	}
	return base58.Encode(buf), nil
}
