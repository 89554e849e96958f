package attach

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// UploadStore stages attachment blobs on local disk before resolution, so a
// presentation layer can hand the engine stable locators instead of raw
// readers. Writes are atomic (tmp + rename) and size-capped.
type UploadStore struct {
	dir string
}

type Upload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

func NewUploadStore(stateDir string) (*UploadStore, error) {
	stateDir = strings.TrimSpace(stateDir)
	if stateDir == "" {
		return nil, errors.New("missing state dir")
	}
	dir := filepath.Join(stateDir, "uploads")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &UploadStore{dir: dir}, nil
}

func newUploadID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "att_" + base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *UploadStore) Save(r io.Reader, name string, mimeType string, maxBytes int64) (*Upload, error) {
	if s == nil {
		return nil, errors.New("nil upload store")
	}
	if r == nil {
		return nil, errors.New("missing file")
	}
	if maxBytes <= 0 {
		maxBytes = 50 << 20 // 50 MiB
	}

	id, err := newUploadID()
	if err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = "attachment"
	}

	dataPath := filepath.Join(s.dir, id+".data")
	metaPath := filepath.Join(s.dir, id+".json")

	// Write data with a hard cap.
	f, err := os.OpenFile(dataPath+".tmp", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	limited := &io.LimitedReader{R: r, N: maxBytes + 1}
	n, err := io.Copy(f, limited)
	if err != nil {
		_ = os.Remove(dataPath + ".tmp")
		return nil, err
	}
	if n > maxBytes {
		_ = os.Remove(dataPath + ".tmp")
		return nil, fmt.Errorf("file too large (max %d bytes)", maxBytes)
	}

	// Detect mime type when missing/unknown.
	mt := strings.TrimSpace(mimeType)
	if mt == "" || mt == "application/octet-stream" {
		if _, err := f.Seek(0, 0); err == nil {
			head := make([]byte, 512)
			hn, _ := f.Read(head)
			if hn > 0 {
				mt = http.DetectContentType(head[:hn])
			}
		}
	}
	if mt == "" {
		mt = "application/octet-stream"
	}

	meta := Upload{
		ID:              id,
		Name:            name,
		Size:            n,
		MimeType:        mt,
		CreatedAtUnixMs: time.Now().UnixMilli(),
	}
	mb, err := json.Marshal(&meta)
	if err != nil {
		_ = os.Remove(dataPath + ".tmp")
		return nil, err
	}
	mb = append(mb, '\n')

	if err := os.WriteFile(metaPath+".tmp", mb, 0o600); err != nil {
		_ = os.Remove(dataPath + ".tmp")
		return nil, err
	}

	if err := os.Rename(dataPath+".tmp", dataPath); err != nil {
		_ = os.Remove(dataPath + ".tmp")
		_ = os.Remove(metaPath + ".tmp")
		return nil, err
	}
	if err := os.Rename(metaPath+".tmp", metaPath); err != nil {
		_ = os.Remove(metaPath + ".tmp")
		return nil, err
	}
	return &meta, nil
}

// Open returns the metadata and data path for a staged upload.
func (s *UploadStore) Open(uploadID string) (*Upload, string, error) {
	if s == nil {
		return nil, "", errors.New("nil upload store")
	}
	uploadID = strings.TrimSpace(uploadID)
	if uploadID == "" {
		return nil, "", errors.New("invalid request")
	}

	metaPath := filepath.Join(s.dir, uploadID+".json")
	dataPath := filepath.Join(s.dir, uploadID+".data")

	mb, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, "", errors.New("not found")
	}
	var meta Upload
	if err := json.Unmarshal(bytes.TrimSpace(mb), &meta); err != nil {
		return nil, "", errors.New("corrupt upload metadata")
	}
	if _, err := os.Stat(dataPath); err != nil {
		return nil, "", errors.New("not found")
	}
	return &meta, dataPath, nil
}

// ReadInput loads a staged upload as a resolver Input.
func (s *UploadStore) ReadInput(uploadID string) (Input, error) {
	meta, dataPath, err := s.Open(uploadID)
	if err != nil {
		return Input{}, err
	}
	data, err := os.ReadFile(dataPath)
	if err != nil {
		return Input{}, err
	}
	return Input{Name: meta.Name, MimeType: meta.MimeType, Data: data}, nil
}

// Remove deletes a staged upload (best-effort on the metadata side).
func (s *UploadStore) Remove(uploadID string) error {
	if s == nil {
		return errors.New("nil upload store")
	}
	uploadID = strings.TrimSpace(uploadID)
	if uploadID == "" {
		return errors.New("invalid request")
	}
	err := os.Remove(filepath.Join(s.dir, uploadID+".data"))
	_ = os.Remove(filepath.Join(s.dir, uploadID+".json"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
