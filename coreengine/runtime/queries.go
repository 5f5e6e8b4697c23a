package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/reviewcore/commbus"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/checkpoint"
)

// DefaultListLimit bounds ListCheckpoints queries that ask for no limit.
const DefaultListLimit = 50

// RegisterCheckpointQueries answers GetCheckpoint and ListCheckpoints from
// store. Other components read run state through the bus; only the
// coordinator writes to the store.
func RegisterCheckpointQueries(bus commbus.CommBus, store checkpoint.Store) error {
	if err := bus.RegisterHandler("GetCheckpoint", func(ctx context.Context, msg commbus.Message) (any, error) {
		q, ok := msg.(*commbus.GetCheckpoint)
		if !ok {
			return nil, fmt.Errorf("unexpected message %T", msg)
		}
		run, err := store.Load(ctx, q.RunID)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return &commbus.CheckpointResponse{RunID: q.RunID, Found: false}, nil
		}
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(run)
		if err != nil {
			return nil, fmt.Errorf("encode checkpoint: %w", err)
		}
		state := map[string]any{}
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("encode checkpoint: %w", err)
		}
		return &commbus.CheckpointResponse{
			RunID: q.RunID,
			Found: true,
			Phase: string(run.Phase),
			State: state,
		}, nil
	}); err != nil {
		return err
	}

	return bus.RegisterHandler("ListCheckpoints", func(ctx context.Context, msg commbus.Message) (any, error) {
		q, ok := msg.(*commbus.ListCheckpoints)
		if !ok {
			return nil, fmt.Errorf("unexpected message %T", msg)
		}
		lister, ok := store.(checkpoint.Lister)
		if !ok {
			return nil, fmt.Errorf("checkpoint backend %s does not support listing", checkpoint.BackendName(store))
		}
		limit := q.Limit
		if limit <= 0 {
			limit = DefaultListLimit
		}
		return lister.List(ctx, limit)
	})
}
