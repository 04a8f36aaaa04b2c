package engine

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lprior-repo/manifest/internal/model"
)

// Checkpoint records the last persisted phase boundary of an intent. The
// heavyweight state lives in the store; the checkpoint only pins which spec
// version and attempt set the in-flight phase was working from, so a restart
// re-enters the phase with identical inputs.
type Checkpoint struct {
	IntentID    string             `msgpack:"intent_id"`
	Phase       model.IntentStatus `msgpack:"phase"`
	SpecID      string             `msgpack:"spec_id,omitempty"`
	SpecVersion int                `msgpack:"spec_version,omitempty"`
	AttemptIDs  []string           `msgpack:"attempt_ids,omitempty"`
	SavedAt     time.Time          `msgpack:"saved_at"`
}

func checkpointPath(root, intentID string) string {
	return filepath.Join(root, intentID+".bin")
}

// writeCheckpoint persists atomically: temp file then rename, so a crash
// mid-write leaves the previous checkpoint intact.
func writeCheckpoint(root string, cp Checkpoint) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	cp.SavedAt = time.Now().UTC()
	b, err := msgpack.Marshal(cp)
	if err != nil {
		return err
	}
	tmp := checkpointPath(root, cp.IntentID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, checkpointPath(root, cp.IntentID))
}

// readCheckpoint returns ok=false when no checkpoint exists. A corrupt
// checkpoint is treated the same way; the phase restarts from store state.
func readCheckpoint(root, intentID string) (Checkpoint, bool) {
	b, err := os.ReadFile(checkpointPath(root, intentID))
	if err != nil {
		return Checkpoint{}, false
	}
	var cp Checkpoint
	if err := msgpack.Unmarshal(b, &cp); err != nil {
		return Checkpoint{}, false
	}
	return cp, true
}

func removeCheckpoint(root, intentID string) error {
	err := os.Remove(checkpointPath(root, intentID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
