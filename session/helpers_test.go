package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-session-keeper/store/inmemory"
)

// seedAutomationRecord writes a session record in the shape the
// browser-automation layer uses under its namespace.
func seedAutomationRecord(t *testing.T, kv *inmemory.Store, identity string, cookies []*http.Cookie, savedAt time.Time) {
	t.Helper()

	payload, err := json.Marshal(map[string]interface{}{
		"identity": identity,
		"cookies":  cookies,
		"saved_at": savedAt,
	})
	require.NoError(t, err)
	require.NoError(t, kv.Set(context.Background(), "automation:session:"+identity, payload, 0))
}
