package redemption_test

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemolink/loyalty-engine/redemption"
)

func tokenFromURL(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func TestTokenCodec_RoundTrip(t *testing.T) {
	codec := redemption.NewTokenCodec("test-secret", "https://rewards.example.org")

	issued, err := codec.IssueURL("1234-5678-9012", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued, "https://rewards.example.org/verify?token="))

	code, err := codec.ParseToken(tokenFromURL(t, issued))
	require.NoError(t, err)
	assert.Equal(t, "1234-5678-9012", code)
}

func TestTokenCodec_WrongSecret_Rejected(t *testing.T) {
	// A QR payload signed elsewhere must not verify here.
	issuer := redemption.NewTokenCodec("secret-a", "https://rewards.example.org")
	verifier := redemption.NewTokenCodec("secret-b", "https://rewards.example.org")

	issued, err := issuer.IssueURL("1234-5678-9012", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = verifier.ParseToken(tokenFromURL(t, issued))
	assert.Error(t, err)
}

func TestTokenCodec_ExpiredToken_Rejected(t *testing.T) {
	codec := redemption.NewTokenCodec("test-secret", "https://rewards.example.org")

	issued, err := codec.IssueURL("1234-5678-9012", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = codec.ParseToken(tokenFromURL(t, issued))
	assert.Error(t, err, "token past its expiry must fail before any store lookup")
}

func TestTokenCodec_GarbageToken_Rejected(t *testing.T) {
	codec := redemption.NewTokenCodec("test-secret", "https://rewards.example.org")

	_, err := codec.ParseToken("not-a-jwt")
	assert.Error(t, err)
}
