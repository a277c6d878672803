package mcp

import (
	"bufio"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connWithInput(input string) *stdioConn {
	conn := newStdioConn(ServerConfig{Slug: "test"}, nil)
	conn.stdout = bufio.NewReader(strings.NewReader(input))
	return conn
}

func TestReadMessageLineDelimited(t *testing.T) {
	conn := connWithInput(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}` + "\n")

	msg, err := conn.readMessage()
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NotNil(t, msg.ID)
	assert.EqualValues(t, 7, *msg.ID)
	assert.JSONEq(t, `{"ok":true}`, string(msg.Result))
}

func TestReadMessageContentLengthFramed(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":3,"result":{"tools":[]}}`
	framed := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body

	conn := connWithInput(framed)
	msg, err := conn.readMessage()
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NotNil(t, msg.ID)
	assert.EqualValues(t, 3, *msg.ID)
}

func TestReadMessageSkipsGarbage(t *testing.T) {
	conn := connWithInput("some startup banner\n")
	// A non-JSON, non-header line yields no message.
	msg, err := conn.readMessage()
	// Header parsing consumes until EOF looking for the blank line.
	if err == nil {
		assert.Nil(t, msg)
	}
}

func TestReadMessageNotification(t *testing.T) {
	conn := connWithInput(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}` + "\n")
	msg, err := conn.readMessage()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Nil(t, msg.ID)
	assert.Equal(t, "notifications/progress", msg.Method)
}

func TestFailPendingResolvesWaiters(t *testing.T) {
	conn := newStdioConn(ServerConfig{Slug: "test"}, nil)
	ch := make(chan *rpcResponse, 1)
	conn.pending[42] = ch

	conn.failPending(&rpcError{Code: -1, Message: "connection closed"})

	resp := <-ch
	require.NotNil(t, resp.Error)
	assert.Equal(t, "connection closed", resp.Error.Message)
	assert.Empty(t, conn.pending)
}

func TestConnectUnknownCommand(t *testing.T) {
	conn := newStdioConn(ServerConfig{
		Slug:    "ghost",
		Command: "definitely-not-a-real-binary-xyz",
	}, nil)

	err := conn.connect(t.Context())
	require.Error(t, err)
	assert.False(t, conn.Connected())
	assert.NotEmpty(t, conn.LastError())
}

func TestBoundedBufferExcerpt(t *testing.T) {
	buf := &boundedBuffer{}
	_, _ = buf.Write([]byte("  some stderr output  \n"))
	assert.Equal(t, "some stderr output", buf.Excerpt())

	long := strings.Repeat("e", 2000)
	_, _ = buf.Write([]byte(long))
	assert.LessOrEqual(t, len(buf.Excerpt()), stderrExcerptLimit+3)
}
