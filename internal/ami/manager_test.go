package ami

import (
    "bufio"
    "strings"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestReadFrameParsesHeadersUntilBlankLine(t *testing.T) {
    raw := "Event: Newchannel\r\nChannel: SIP/100-0001\r\nUniqueid: 1690000000.1\r\n\r\n"
    m := &Manager{reader: bufio.NewReader(strings.NewReader(raw))}

    event, err := m.readFrame()
    require.NoError(t, err)

    assert.Equal(t, "Newchannel", event.Name())
    assert.Equal(t, "SIP/100-0001", event["Channel"])
    assert.Equal(t, "1690000000.1", event["Uniqueid"])
}

func TestReadFrameSkipsLeadingBlankLines(t *testing.T) {
    raw := "\r\nResponse: Success\r\nActionID: abc-123\r\n\r\n"
    m := &Manager{reader: bufio.NewReader(strings.NewReader(raw))}

    event, err := m.readFrame()
    require.NoError(t, err)

    assert.Equal(t, "Success", event["Response"])
    assert.Equal(t, "abc-123", event["ActionID"])
}

func TestInsertNotEmptyOmitsBlankValues(t *testing.T) {
    headers := map[string]string{}
    insertNotEmpty(headers, "CallerID", "")
    insertNotEmpty(headers, "Account", "1001")

    _, hasCallerID := headers["CallerID"]
    assert.False(t, hasCallerID)
    assert.Equal(t, "1001", headers["Account"])
}

func TestInsertNotEmptyUintOmitsZero(t *testing.T) {
    headers := map[string]string{}
    insertNotEmptyUint(headers, "Cause", 0)
    insertNotEmptyUint(headers, "Timeout", 30)

    _, hasCause := headers["Cause"]
    assert.False(t, hasCause)
    assert.Equal(t, "30", headers["Timeout"])
}

func TestBoolField(t *testing.T) {
    assert.Equal(t, "true", boolField(true))
    assert.Equal(t, "false", boolField(false))
}

func TestSendActionFailsWhenNotConnected(t *testing.T) {
    m := New(Config{Host: "127.0.0.1", Port: 5038})

    _, err := m.SendAction(nil, "Ping", nil) //nolint:staticcheck // ctx not needed before the connected check
    require.Error(t, err)
}
