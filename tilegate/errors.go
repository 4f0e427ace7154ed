package tilegate

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the states callers branch on with errors.Is.
var (
	// ErrTileNotExist signals a storage miss. The resolver turns it into a
	// forward fetch when the source has an upstream URL, the server into 204.
	ErrTileNotExist = errors.New("tile does not exist")

	// ErrSourceNotExist signals an unknown source id in the registry.
	ErrSourceNotExist = errors.New("tile source does not exist")

	// ErrFileNotExist signals a missing sprite/font/geojson/style file.
	ErrFileNotExist = errors.New("file does not exist")

	// ErrReadOnlySource is returned by write operations on PMTiles backends.
	ErrReadOnlySource = errors.New("tile source is read-only")

	// ErrLockTimeout is returned when a sidecar lock cannot be acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrExportRunning rejects a second export/seed/cleanup on the same target.
	ErrExportRunning = errors.New("export is already running")

	// ErrBadCoverage rejects malformed coverages, e.g. antimeridian-crossing boxes.
	ErrBadCoverage = errors.New("invalid coverage")
)

// UpstreamError preserves the status code of a non-2xx forward response.
type UpstreamError struct {
	StatusCode int
	URL        string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d for %s", e.StatusCode, e.URL)
}

// FormatMismatchError is raised when fetched bytes do not sniff as the
// source's declared tile format.
type FormatMismatchError struct {
	Want string
	Got  string
}

func (e *FormatMismatchError) Error() string {
	return fmt.Sprintf("unsupported format: expected %s, got %s", e.Want, e.Got)
}

// errorStatus maps an error to the HTTP status the server responds with.
// Tile misses map to 204 to match streaming map clients' empty-tile
// convention; JSON resources use notFoundStatus instead.
func errorStatus(err error) int {
	var upstream *UpstreamError
	var mismatch *FormatMismatchError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrTileNotExist):
		return http.StatusNoContent
	case errors.Is(err, ErrSourceNotExist), errors.Is(err, ErrFileNotExist):
		return http.StatusNotFound
	case errors.Is(err, ErrExportRunning):
		return http.StatusConflict
	case errors.Is(err, ErrBadCoverage), errors.As(err, &mismatch):
		return http.StatusBadRequest
	case errors.Is(err, ErrLockTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// notFoundStatus is errorStatus for JSON resources, where a miss is a 404.
func notFoundStatus(err error) int {
	if errors.Is(err, ErrTileNotExist) {
		return http.StatusNotFound
	}
	return errorStatus(err)
}
