package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVisitPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload NewVisitPayload
		wantErr error
	}{
		{
			name: "valid payload",
			payload: NewVisitPayload{
				URL:          "https://a.com/x",
				PageLoadedAt: "2025-01-01T10:00:00Z",
				Content:      "hi",
			},
			wantErr: nil,
		},
		{
			name:    "missing url",
			payload: NewVisitPayload{PageLoadedAt: "2025-01-01T10:00:00Z", Content: "hi"},
			wantErr: ErrMissingURL,
		},
		{
			name:    "missing content",
			payload: NewVisitPayload{URL: "https://a.com/x", PageLoadedAt: "2025-01-01T10:00:00Z"},
			wantErr: ErrMissingContent,
		},
		{
			name:    "missing page_loaded_at",
			payload: NewVisitPayload{URL: "https://a.com/x", Content: "hi"},
			wantErr: ErrMissingPageLoadedAt,
		},
		{
			name: "invalid page_loaded_at",
			payload: NewVisitPayload{
				URL:          "https://a.com/x",
				PageLoadedAt: "not-a-timestamp",
				Content:      "hi",
			},
			wantErr: ErrInvalidPageLoadedAt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.payload.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
