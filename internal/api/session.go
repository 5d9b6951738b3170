package api

import (
	"fmt"
	"net/http"
	"strconv"
)

// AuthTokenIDHeader carries the numeric id of the auth token behind the
// caller's session. It is set by the fronting auth layer, never by clients.
const AuthTokenIDHeader = "X-Auth-Token-Id"

// HeaderSessionResolver reads the session's auth token id from a trusted
// request header.
type HeaderSessionResolver struct{}

func (HeaderSessionResolver) SessionTokenID(r *http.Request) (int64, error) {
	raw := r.Header.Get(AuthTokenIDHeader)
	if raw == "" {
		return 0, fmt.Errorf("missing %s header", AuthTokenIDHeader)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s header", AuthTokenIDHeader)
	}
	return id, nil
}
