package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/streamgate/internal/logctx"
	"github.com/redis/go-redis/v9"
)

// ValidateSessionIP checks currentIP against the address bound to the
// session.
//
// An accepted change is appended to the ledger and the binding moves to
// currentIP; the result is valid with Reason ReasonIPChanged and the caller
// is expected to regenerate the session id. A change beyond MaxIPChanges
// destroys the session.
func (s *Store) ValidateSessionIP(ctx context.Context, sessionID, currentIP string) (IPValidation, error) {
	rec, err := s.GetSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return IPValidation{Valid: false, RequiresAction: true, Reason: ReasonSessionNotFound}, nil
	}
	if err != nil {
		return IPValidation{}, err
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, PrincipalID: rec.PrincipalID})

	if rec.IPAddress == currentIP {
		return IPValidation{Valid: true}, nil
	}

	if !s.cfg.AllowIPChange {
		s.metrics.IPChange("rejected")
		s.log.WarnContext(ctx, "session.ip.reject",
			slog.String("bound_ip", rec.IPAddress), slog.String("current_ip", currentIP))
		return IPValidation{Valid: false, RequiresAction: true, Reason: ReasonIPChangeNotAllowed}, nil
	}

	recKey, ipKey := s.keys.session(sessionID), s.keys.ipTracking(sessionID)
	var (
		exceeded bool
		missing  bool
		changes  int
	)
	txf := func(tx *redis.Tx) error {
		exceeded, missing = false, false
		cur, err := getRecord(ctx, tx, recKey)
		if errors.Is(err, ErrSessionNotFound) {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}
		if cur.IPAddress == currentIP {
			// A concurrent request already moved the binding.
			changes = cur.IPChangeCount
			return nil
		}
		track, err := getTracking(ctx, tx, ipKey)
		if err != nil {
			return err
		}
		if track == nil {
			track = &IPTracking{OriginalIP: cur.IPAddress, CurrentIP: cur.IPAddress, ChangeCount: cur.IPChangeCount}
		}
		if track.ChangeCount >= s.cfg.MaxIPChanges {
			exceeded = true
			return nil
		}

		change := IPChange{From: cur.IPAddress, To: currentIP, Timestamp: s.now().UTC()}
		track.Changes = append(track.Changes, change)
		track.ChangeCount++
		track.CurrentIP = currentIP
		cur.IPAddress = currentIP
		cur.IPChangeCount = track.ChangeCount
		cur.IPHistory = appendBounded(cur.IPHistory, change, s.cfg.MaxIPHistory)
		changes = track.ChangeCount

		recJSON, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		trackJSON, err := json.Marshal(track)
		if err != nil {
			return err
		}
		ttl := s.remaining(cur)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recKey, recJSON, ttl)
			pipe.Set(ctx, ipKey, trackJSON, ttl)
			return nil
		})
		return err
	}
	if err := s.watch(ctx, txf, recKey, ipKey); err != nil {
		return IPValidation{}, fmt.Errorf("failed to record ip change: %w", err)
	}

	switch {
	case missing:
		return IPValidation{Valid: false, RequiresAction: true, Reason: ReasonSessionNotFound}, nil
	case exceeded:
		s.metrics.IPChange("limit_exceeded")
		s.log.WarnContext(ctx, "session.ip.limit_exceeded",
			slog.String("bound_ip", rec.IPAddress), slog.String("current_ip", currentIP))
		if err := s.DestroySession(ctx, sessionID, ReasonIPChangeLimitExceeded); err != nil {
			return IPValidation{}, err
		}
		return IPValidation{Valid: false, RequiresAction: true, Reason: ReasonIPChangeLimitExceeded}, nil
	}

	s.metrics.IPChange("accepted")
	s.log.InfoContext(ctx, "session.ip.changed",
		slog.String("from", rec.IPAddress), slog.String("to", currentIP), slog.Int("change_count", changes))
	return IPValidation{Valid: true, RequiresAction: true, Reason: ReasonIPChanged}, nil
}

// UpdateSessionActivity enforces the idle and absolute deadlines and, when
// the session is still live, records the activity. Expired sessions are
// destroyed and reported invalid.
func (s *Store) UpdateSessionActivity(ctx context.Context, sessionID, ip, userAgent, endpoint string) (ActivityResult, error) {
	recKey := s.keys.session(sessionID)
	var (
		expiredReason string
		updated       *Record
	)
	txf := func(tx *redis.Tx) error {
		expiredReason, updated = "", nil
		rec, err := getRecord(ctx, tx, recKey)
		if err != nil {
			return err
		}
		if reason := s.expiry(rec); reason != "" {
			expiredReason = reason
			updated = rec
			return nil
		}
		rec.LastActivity = s.now().UTC()
		rec.ActivityCount++
		if endpoint != "" {
			rec.LastEndpoint = endpoint
		}
		if rec.UserAgent == "" {
			rec.UserAgent = userAgent
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		ttl := s.remaining(rec)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recKey, raw, ttl)
			return nil
		})
		if err == nil {
			updated = rec
		}
		return err
	}
	err := s.watch(ctx, txf, recKey)
	if errors.Is(err, ErrSessionNotFound) {
		return ActivityResult{Valid: false, Reason: ReasonSessionNotFound}, nil
	}
	if err != nil {
		return ActivityResult{}, fmt.Errorf("failed to update session activity: %w", err)
	}

	if expiredReason != "" {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, PrincipalID: updated.PrincipalID})
		s.log.InfoContext(ctx, "session.activity.expired", slog.String("reason", expiredReason), slog.String("ip", ip))
		if err := s.DestroySession(ctx, sessionID, expiredReason); err != nil {
			return ActivityResult{}, err
		}
		return ActivityResult{Valid: false, Reason: expiredReason}, nil
	}
	return ActivityResult{Valid: true, Session: updated}, nil
}

// expiry reports which deadline rec has passed, idle first.
func (s *Store) expiry(rec *Record) string {
	now := s.now()
	if now.Sub(rec.LastActivity) > s.cfg.IdleTimeout {
		return ReasonIdleTimeout
	}
	if now.Sub(rec.CreatedAt) > s.cfg.AbsoluteTimeout {
		return ReasonAbsoluteTimeout
	}
	return ""
}
