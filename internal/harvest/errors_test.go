package harvest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchErrorRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  *FetchError
		want bool
	}{
		{&FetchError{Kind: FetchTimeout}, true},
		{&FetchError{Kind: FetchConnectionFailed}, true},
		{&FetchError{Kind: FetchHTTPStatus, StatusCode: 503}, true},
		{&FetchError{Kind: FetchHTTPStatus, StatusCode: 404}, false},
		{&FetchError{Kind: FetchExhaustedRetries}, false},
		{&FetchError{Kind: FetchDisallowed}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.err.Retryable(), tc.err.Error())
	}
}

func TestStageErrorWrapping(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", Fatal("split_text", cause))

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	require.True(t, stageErr.Fatal)
	require.ErrorIs(t, err, cause)

	require.False(t, Transient("x", cause).(*StageError).Fatal)
}

func TestIsServiceKind(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("call: %w", &ExternalServiceError{Service: "ollama", Kind: ServiceRateLimited, Err: errors.New("429")})
	require.True(t, IsServiceKind(err, ServiceRateLimited))
	require.False(t, IsServiceKind(err, ServiceTimeout))
	require.False(t, IsServiceKind(errors.New("plain"), ServiceTimeout))
}

func TestItemCloneDoesNotAlias(t *testing.T) {
	t.Parallel()

	orig := Item{
		Parts:    []Part{{ID: 1, Text: "a"}},
		Metadata: Metadata{Tags: []string{"x"}, Classification: map[string]string{"k": "v"}},
	}
	cp := orig.Clone()
	cp.Parts[0].Text = "changed"
	cp.Metadata.Tags[0] = "y"
	cp.Metadata.Classification["k"] = "w"

	require.Equal(t, "a", orig.Parts[0].Text)
	require.Equal(t, "x", orig.Metadata.Tags[0])
	require.Equal(t, "v", orig.Metadata.Classification["k"])
}

func TestRunOutcomeCount(t *testing.T) {
	t.Parallel()

	out := RunOutcome{Items: []ItemOutcome{{Status: StatusComplete}, {Status: StatusPartial}, {Status: StatusComplete}}}
	require.Equal(t, 2, out.Count(StatusComplete))
	require.Equal(t, 1, out.Count(StatusPartial))
}
