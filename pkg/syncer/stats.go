package syncer

import (
	"context"

	"friendsync/pkg/types"
	"friendsync/pkg/utils"
)

type SyncLimits struct {
	BulkLimit       int   `json:"bulkLimit"`
	MaxContentBytes int64 `json:"maxContentBytes"`
	OutboundHourly  int   `json:"outboundHourly"`
	OutboundDaily   int   `json:"outboundDaily"`
	InboundHourly   int   `json:"inboundHourly"`
	InboundDaily    int   `json:"inboundDaily"`
	NewUserHourly   int   `json:"newUserHourly"`
	NewUserDaily    int   `json:"newUserDaily"`
}

type Stats struct {
	UserID        types.UserID `json:"userId"`
	FriendsCount  int          `json:"friendsCount"`
	OriginalCount int          `json:"originalCount"`
	SyncedCount   int          `json:"syncedCount"`
	StorageUsedMB float64      `json:"storageUsedMb"`
	SyncLimits    SyncLimits   `json:"syncLimits"`
}

func (m *Manager) Stats(ctx context.Context, userID types.UserID) (*Stats, error) {
	usage, err := m.store.Usage(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := m.guard.Policy()
	return &Stats{
		UserID:        userID,
		FriendsCount:  len(m.graph.Friends(userID)),
		OriginalCount: usage.OriginalCount,
		SyncedCount:   usage.SyncedCount,
		StorageUsedMB: utils.Megabytes(usage.Bytes),
		SyncLimits: SyncLimits{
			BulkLimit:       p.BulkLimit,
			MaxContentBytes: p.MaxContentBytes,
			OutboundHourly:  p.OutboundHourly,
			OutboundDaily:   p.OutboundDaily,
			InboundHourly:   p.InboundHourly,
			InboundDaily:    p.InboundDaily,
			NewUserHourly:   p.NewUserHourly,
			NewUserDaily:    p.NewUserDaily,
		},
	}, nil
}
