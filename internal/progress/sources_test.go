package progress

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/shelvd/internal/domain"
)

type failingTokens struct{ domain.TokenStore }

func (failingTokens) GetToken(context.Context, int64) (string, bool, error) {
	return "", false, domain.ErrStoreUnavailable
}

func TestResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name       string
		remote     *fakeRemote
		localToken string
		tokens     func(domain.TokenStore) domain.TokenStore
		wantSource string
		wantIndex  int
		wantToken  string
	}{
		{
			name:       "remote wins",
			remote:     &fakeRemote{saved: &domain.ReadingPosition{PositionIndex: 150, TotalPositions: 500, NativeToken: "remote-tok"}},
			localToken: "local-tok",
			wantSource: "remote",
			wantIndex:  150,
			wantToken:  "remote-tok",
		},
		{
			name:       "no remote falls back to local",
			remote:     &fakeRemote{},
			localToken: "local-tok",
			wantSource: "local",
			wantIndex:  -1,
			wantToken:  "local-tok",
		},
		{
			name:       "empty remote falls back to local",
			remote:     &fakeRemote{saved: &domain.ReadingPosition{}},
			localToken: "local-tok",
			wantSource: "local",
			wantIndex:  -1,
			wantToken:  "local-tok",
		},
		{
			name:       "remote error falls back to local",
			remote:     &fakeRemote{getErr: domain.ErrServerOffline},
			localToken: "local-tok",
			wantSource: "local",
			wantIndex:  -1,
			wantToken:  "local-tok",
		},
		{
			name:       "nothing anywhere",
			remote:     &fakeRemote{},
			wantSource: SourceStart,
		},
		{
			name:       "both sources fail",
			remote:     &fakeRemote{getErr: errors.New("boom")},
			tokens:     func(domain.TokenStore) domain.TokenStore { return failingTokens{} },
			wantSource: SourceStart,
		},
		{
			name:       "page position without token",
			remote:     &fakeRemote{saved: &domain.ReadingPosition{PositionIndex: 11, TotalPositions: 40}},
			wantSource: "remote",
			wantIndex:  11,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tokens := newTokens(t)
			if tt.localToken != "" {
				require.NoError(t, tokens.SetToken(ctx, 42, tt.localToken))
			}
			if tt.tokens != nil {
				tokens = tt.tokens(tokens)
			}

			pos, source := Resolve(ctx, quietLogger, 42,
				RemoteSource{Client: tt.remote},
				LocalSource{Tokens: tokens},
			)
			assert.Equal(t, tt.wantSource, source)
			assert.Equal(t, int64(42), pos.DocumentID)
			assert.Equal(t, tt.wantIndex, pos.PositionIndex)
			assert.Equal(t, tt.wantToken, pos.NativeToken)
		})
	}
}
