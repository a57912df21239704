package reindex

import (
	"fmt"
	"io"
	"os"

	"github.com/fabfab/knowledgebase/internal/apperr"
)

// spoolToTempFile copies body to a scoped temporary file, closing body and
// returning a cleanup func that removes the file on every exit path.
func spoolToTempFile(documentID string, body io.ReadCloser) (string, func(), error) {
	defer body.Close()

	tmp, err := os.CreateTemp("", fmt.Sprintf("kb-reindex-%s-*.pdf", documentID))
	if err != nil {
		return "", func() {}, apperr.Transient("create temp file", err)
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		cleanup()
		return "", func() {}, apperr.Transient("write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", func() {}, apperr.Transient("close temp file", err)
	}
	return tmp.Name(), cleanup, nil
}
