package service

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"calsync/internal/models"
	"calsync/internal/provider"
)

// Winner is the side a conflict resolution selected.
type Winner int

const (
	// WinnerNone means the remote change is an echo of something already
	// synced: apply nothing, push nothing.
	WinnerNone Winner = iota
	WinnerLocal
	WinnerRemote
)

func (w Winner) String() string {
	switch w {
	case WinnerLocal:
		return "local"
	case WinnerRemote:
		return "remote"
	default:
		return "none"
	}
}

// Resolution is the outcome of comparing one remote change against the local
// event and the ledger. When SplitBrain is set both sides changed since the
// last sync point; the losing side's full content is kept in LosingSnapshot
// so the overwrite never silently discards data.
type Resolution struct {
	Winner         Winner
	SplitBrain     bool
	LosingSnapshot datatypes.JSON
}

// ResolveConflict implements last-write-wins by version timestamp.
//
// The ledger's RemoteVersion is the last remote state we consumed and its
// LocalVersion the last local state we delivered. A remote change at or
// before the known RemoteVersion is an echo. A remote change with no local
// edit since the last sync applies cleanly. A local edit with no newer remote
// change proceeds with the pending push. When both moved, the chronologically
// later edit wins outright; a field-level merge is deliberately out of scope.
func ResolveConflict(local *models.CanonicalEvent, record *models.SyncRecord, remote provider.RemoteEvent) Resolution {
	remoteKnown := record != nil && record.RemoteVersion != nil
	remoteChanged := !remoteKnown || remote.UpdatedAt.After(*record.RemoteVersion)
	if !remoteChanged {
		return Resolution{Winner: WinnerNone}
	}

	if local == nil {
		// Never seen locally. A deletion of something we do not hold is a
		// no-op; anything else is a new remote event.
		if remote.Deleted {
			return Resolution{Winner: WinnerNone}
		}
		return Resolution{Winner: WinnerRemote}
	}

	localChanged := record == nil || local.LocalVersion.After(record.LocalVersion)
	if !localChanged {
		return Resolution{Winner: WinnerRemote}
	}

	// Split-brain: both sides moved since the last sync point.
	if remote.UpdatedAt.After(local.LocalVersion) {
		return Resolution{
			Winner:         WinnerRemote,
			SplitBrain:     true,
			LosingSnapshot: snapshotLocal(local),
		}
	}
	return Resolution{
		Winner:         WinnerLocal,
		SplitBrain:     true,
		LosingSnapshot: snapshotRemote(remote),
	}
}

type conflictSnapshot struct {
	Side       string                `json:"side"`
	CapturedAt time.Time             `json:"captured_at"`
	ExternalID string                `json:"external_id,omitempty"`
	Deleted    bool                  `json:"deleted,omitempty"`
	Event      models.CanonicalEvent `json:"event"`
}

func snapshotLocal(local *models.CanonicalEvent) datatypes.JSON {
	raw, err := json.Marshal(conflictSnapshot{
		Side:       "local",
		CapturedAt: time.Now().UTC(),
		Deleted:    local.Deleted(),
		Event:      *local,
	})
	if err != nil {
		return nil
	}
	return raw
}

func snapshotRemote(remote provider.RemoteEvent) datatypes.JSON {
	raw, err := json.Marshal(conflictSnapshot{
		Side:       "remote",
		CapturedAt: time.Now().UTC(),
		ExternalID: remote.ExternalID,
		Deleted:    remote.Deleted,
		Event:      remote.Event,
	})
	if err != nil {
		return nil
	}
	return raw
}
