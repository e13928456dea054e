package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"secure-file-relay/internal/relay"
)

const (
	additionalDataHeader   = "X-Additional-Data"
	additionalDataField    = "additionalData"
	fileField              = "file"
	maxAdditionalDataBytes = 64 << 10
)

// additionalData travels beside the file, either in the X-Additional-Data
// header or in a multipart field placed before the file.
type additionalData struct {
	HashedPassCode string `json:"hashedPassCode"`
	SharedKey      string `json:"sharedKey"`
}

type uploadResp struct {
	ObjectID string `json:"objectId"`
	Link     string `json:"link"`
	Message  string `json:"message"`
}

// handleUpload handles POST /upload. The file part is streamed straight into
// the relay without parsing the whole form into memory.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}

	var meta additionalData
	haveMeta := false
	if raw := r.Header.Get(additionalDataHeader); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			http.Error(w, "invalid "+additionalDataHeader+" header", http.StatusBadRequest)
			return
		}
		haveMeta = true
	}

	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "bad multipart", http.StatusBadRequest)
		return
	}

	var file *multipart.Part
	for file == nil {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.rejectMultipart(w, r, err)
			return
		}

		switch part.FormName() {
		case fileField:
			file = part
		case additionalDataField:
			if haveMeta {
				continue
			}
			if err := decodeAdditionalData(part, &meta); err != nil {
				s.rejectMultipart(w, r, err)
				return
			}
			haveMeta = true
		}
	}

	if file == nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	// The store runs to completion even if the client goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.operationTimeout)
	defer cancel()

	res, err := s.relay.Store(ctx, relay.Upload{
		Body:        file,
		Name:        file.FileName(),
		ContentType: file.Header.Get("Content-Type"),
	}, meta.HashedPassCode, meta.SharedKey)
	if err != nil {
		s.writeError(w, r, "Failed to upload file", err)
		return
	}

	writeJSON(w, http.StatusOK, uploadResp{
		ObjectID: res.ObjectID,
		Link:     res.Link,
		Message:  "success",
	})
}

func decodeAdditionalData(part *multipart.Part, meta *additionalData) error {
	raw, err := io.ReadAll(io.LimitReader(part, maxAdditionalDataBytes+1))
	if err != nil {
		return err
	}
	if len(raw) > maxAdditionalDataBytes {
		return fmt.Errorf("%w: %s field too large", relay.ErrInvalidRequest, additionalDataField)
	}
	if err := json.Unmarshal(raw, meta); err != nil {
		return fmt.Errorf("%w: invalid %s field: %w", relay.ErrInvalidRequest, additionalDataField, err)
	}
	return nil
}

func (s *Server) rejectMultipart(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || errors.Is(err, relay.ErrInvalidRequest) {
		s.writeError(w, r, "Failed to upload file", err)
		return
	}
	http.Error(w, "bad multipart", http.StatusBadRequest)
}
