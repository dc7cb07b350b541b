package checkpoint

import (
	"fmt"

	"github.com/cortado-ml/tpickle/pickle"
)

// Load decodes this Archive's /data.pkl stream into a Value, wiring
// persistentLoad as the storage-resolving collaborator and applying cfg's
// string-encoding choice.
//
// Grounded on the teacher's top-level Decoder.Decode entry point
// (ogorek.go), generalized to source its Config from an Archive instead
// of a bare io.Reader.
func (a *Archive) Load(cfg *Config) (pickle.Value, error) {
	RegisterBuiltins()

	f, ok := a.findBySuffix("/data.pkl")
	if !ok {
		return pickle.Value{}, fmt.Errorf("checkpoint: archive has no data.pkl entry")
	}
	data, err := readAll(f)
	if err != nil {
		return pickle.Value{}, err
	}

	if cfg == nil {
		cfg = &Config{}
	}
	oob, err := cfg.oobBuffers()
	if err != nil {
		return pickle.Value{}, err
	}

	u := pickle.NewUnpicklerFromBytes(data, pickle.Config{
		PersistentLoad: a.persistentLoad,
		StringEncoding: cfg.stringEncoding(),
		OOBBuffers:     oob,
	})
	v, err := u.Load()
	if err != nil {
		return pickle.Value{}, fmt.Errorf("checkpoint: decode data.pkl: %w", err)
	}
	return v, nil
}
