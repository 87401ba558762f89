package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ridePayload(originLat IRValue) IRObject {
	return IRObject{
		"originLat": originLat,
		"originLon": IRInt(2),
		"targetLat": IRInt(3),
		"targetLon": IRInt(4),
	}
}

func TestFingerprintDeterminism(t *testing.T) {
	canonical1, digest1, err := Fingerprint(ridePayload(IRInt(1)))
	require.NoError(t, err)
	canonical2, digest2, err := Fingerprint(ridePayload(IRInt(1)))
	require.NoError(t, err)

	assert.Equal(t, canonical1, canonical2)
	assert.Equal(t, digest1, digest2)
	assert.Len(t, digest1, 64, "SHA-256 hex is 64 characters")
	assert.Equal(t, `{"originLat":1,"originLon":2,"targetLat":3,"targetLon":4}`, string(canonical1))
}

func TestFingerprintStructuralEquality(t *testing.T) {
	// Key order and number spelling do not matter, values do.
	parsed, err := ParseObject([]byte(`{"targetLon":4,"targetLat":3.0,"originLon":2,"originLat":1}`))
	require.NoError(t, err)

	assert.Equal(t, MustFingerprint(ridePayload(IRInt(1))), MustFingerprint(parsed))
	assert.NotEqual(t, MustFingerprint(ridePayload(IRInt(1))), MustFingerprint(ridePayload(IRInt(9))))
}

func TestFingerprintNilPayload(t *testing.T) {
	canonical, _, err := Fingerprint(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(canonical))
}

func TestHashWithDomainSeparation(t *testing.T) {
	data := []byte(`{}`)
	assert.NotEqual(t, hashWithDomain("a", data), hashWithDomain("b", data))
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}
