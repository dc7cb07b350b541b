package checkpoint

import (
	"archive/zip"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Archive is an open ZIP-backed checkpoint container, per spec §6's input
// format. No third-party ZIP reader appears anywhere in the example
// corpus; archive/zip is the stdlib exception, justified in DESIGN.md.
type Archive struct {
	zr *zip.ReadCloser

	formatVersion    int
	storageAlignment int
	byteorder        string // "little", "big", or "" (native)

	byName map[string]*zip.File

	storageCache map[string]cachedStorage
}

type cachedStorage struct {
	data  []byte
	class string
}

// Open opens the ZIP archive at path and reads its informational entries.
func Open(path string) (*Archive, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}

	a := &Archive{
		zr:           zr,
		byName:       make(map[string]*zip.File),
		storageCache: make(map[string]cachedStorage),
	}
	for _, f := range zr.File {
		a.byName[f.Name] = f
	}

	if v, ok := a.readIntEntry(".format_version"); ok {
		a.formatVersion = v
	}
	if v, ok := a.readIntEntry(".storage_alignment"); ok {
		a.storageAlignment = v
	}
	if data, ok := a.findBySuffix("byteorder"); ok {
		raw, err := readAll(data)
		if err != nil {
			return nil, err
		}
		a.byteorder = strings.TrimSpace(string(raw))
	}

	return a, nil
}

// Close releases the underlying ZIP handle.
func (a *Archive) Close() error { return a.zr.Close() }

func (a *Archive) readIntEntry(suffix string) (int, bool) {
	f, ok := a.findBySuffix(suffix)
	if !ok {
		return 0, false
	}
	raw, err := readAll(f)
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false
	}
	return v, true
}

// findBySuffix returns the first archive entry whose path ends with
// suffix, the addressing scheme spec §6 specifies for every entry kind.
func (a *Archive) findBySuffix(suffix string) (*zip.File, bool) {
	for _, f := range a.zr.File {
		if strings.HasSuffix(f.Name, suffix) {
			return f, true
		}
	}
	return nil, false
}

// extractDataEntry returns the bytes of the /data/<key> entry for key.
func (a *Archive) extractDataEntry(key string) ([]byte, error) {
	f, ok := a.findBySuffix("/data/" + key)
	if !ok {
		return nil, fmt.Errorf("checkpoint: no archive entry for storage key %q", key)
	}
	return readAll(f)
}

func readAll(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read entry %s: %w", f.Name, err)
	}
	return data, nil
}
