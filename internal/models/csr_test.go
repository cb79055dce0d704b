package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	all := []CSRStatus{StatusUnknown, StatusPending, StatusApproved, StatusDenied}
	allowed := map[[2]CSRStatus]bool{
		{StatusUnknown, StatusPending}:  true,
		{StatusPending, StatusPending}:  true,
		{StatusPending, StatusApproved}: true,
		{StatusPending, StatusDenied}:   true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]CSRStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCSRStatusJSON(t *testing.T) {
	rec := CSRRecord{Identity: "vc.device1", Status: StatusDenied}

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"DENIED"`)

	var decoded CSRRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, StatusDenied, decoded.Status)

	assert.Error(t, json.Unmarshal([]byte(`{"status":"MAYBE"}`), &decoded))
}
