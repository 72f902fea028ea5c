package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenRoundTripAcceptedBeforeExpiry(t *testing.T) {
	secret := []byte("topsecret")
	now := time.Unix(1_700_000_000, 0)
	token := makeToken(secret, now.Add(30*time.Minute))

	assert.True(t, verifyToken(secret, token, now))
	assert.True(t, verifyToken(secret, token, now.Add(29*time.Minute)))
}

func TestTokenRejectedAfterExpiry(t *testing.T) {
	secret := []byte("topsecret")
	now := time.Unix(1_700_000_000, 0)
	token := makeToken(secret, now.Add(time.Minute))

	assert.False(t, verifyToken(secret, token, now.Add(time.Minute)))
	assert.False(t, verifyToken(secret, token, now.Add(time.Hour)))
}

func TestTokenRejectedUnderDifferentSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token := makeToken([]byte("secret-a"), now.Add(time.Hour))

	assert.False(t, verifyToken([]byte("secret-b"), token, now))
}

func TestTokenRejectedWhenMalformed(t *testing.T) {
	assert.False(t, verifyToken([]byte("k"), "not-base64!!", time.Now()))
	assert.False(t, verifyToken([]byte("k"), "bm8tY29sb24taGVyZQ==", time.Now()))
}

func TestProofOfWorkDifficultyClampedToRange(t *testing.T) {
	assert.Equal(t, 3, proofOfWorkDifficulty(0.0))
	assert.Equal(t, 4, proofOfWorkDifficulty(0.78))
	assert.Equal(t, 5, proofOfWorkDifficulty(1.0))
}

func TestVerifyProofOfWorkAcceptsValidSolution(t *testing.T) {
	challenge := "deadbeef"
	var nonce string
	var found bool
	for i := 0; i < 200000; i++ {
		candidate := itoaForTest(i)
		if verifyProofOfWork(challenge, candidate, 1) {
			nonce = candidate
			found = true
			break
		}
	}
	assert.True(t, found, "expected to find a difficulty-1 solution within the search bound")
	assert.True(t, verifyProofOfWork(challenge, nonce, 1))
}

func TestVerifyProofOfWorkRejectsWrongNonce(t *testing.T) {
	assert.False(t, verifyProofOfWork("deadbeef", "not-the-right-nonce", 5))
}

func itoaForTest(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var buf []byte
	for i > 0 {
		buf = append([]byte{digits[i%10]}, buf...)
		i /= 10
	}
	return string(buf)
}
