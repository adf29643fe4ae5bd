package session

import (
    "crypto/md5"
    "encoding/base64"
    "encoding/hex"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestHashPasswordMatchesMD5Hex(t *testing.T) {
    sum := md5.Sum([]byte("letmein"))
    assert.Equal(t, hex.EncodeToString(sum[:]), hashPassword("letmein"))
}

func TestDecodeAuthPayloadPlain(t *testing.T) {
    got, err := decodeAuthPayload("alice:secret", false)
    require.NoError(t, err)
    assert.Equal(t, "alice:secret", got)
}

func TestDecodeAuthPayloadEncrypted(t *testing.T) {
    encoded := base64.StdEncoding.EncodeToString([]byte("alice:secret"))
    got, err := decodeAuthPayload(encoded, true)
    require.NoError(t, err)
    assert.Equal(t, "alice:secret", got)
}

func TestDecodeAuthPayloadEncryptedInvalidBase64(t *testing.T) {
    _, err := decodeAuthPayload("not-base64!!!", true)
    assert.Error(t, err)
}

func TestStatusByModeMapping(t *testing.T) {
    cases := map[string]Status{
        "ready":     StatusReady,
        "not-ready": StatusNotReady,
        "acw":       StatusACW,
        "aux":       StatusAUX,
    }
    for mode, want := range cases {
        got, ok := statusByMode[mode]
        require.True(t, ok, mode)
        assert.Equal(t, want, got, mode)
    }

    _, ok := statusByMode["unknown"]
    assert.False(t, ok)
}

func TestBoolAttr(t *testing.T) {
    assert.Equal(t, "true", boolAttr(true))
    assert.Equal(t, "false", boolAttr(false))
}
