package ami

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageGet_CaseInsensitive(t *testing.T) {
	msg := Message{"ActionID": "j1", "FaxStatus": "SUCCESS"}
	assert.Equal(t, "j1", msg.Get("actionid"))
	assert.Equal(t, "j1", msg.Get("ACTIONID"))
	assert.Equal(t, "SUCCESS", msg.Get("faxstatus"))
	assert.Equal(t, "", msg.Get("missing"))
}

func TestReadFrame(t *testing.T) {
	raw := "Event: UserEvent\r\nUserEvent: FaxResult\r\nJobID: j1\r\nFaxStatus: SUCCESS\r\n\r\n"
	msg, err := readFrame(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, "UserEvent", msg.Get("Event"))
	assert.Equal(t, "j1", msg.Get("JobID"))
	assert.Equal(t, "SUCCESS", msg.Get("FaxStatus"))
}

func TestReadFrame_SkipsStrayBlankLines(t *testing.T) {
	raw := "\r\n\r\nResponse: Success\r\nActionID: a1\r\n\r\n"
	msg, err := readFrame(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, "Success", msg.Get("Response"))
	assert.Equal(t, "a1", msg.Get("ActionID"))
}

func TestReadFrame_BareNewlines(t *testing.T) {
	// Some Asterisk builds emit LF without CR.
	raw := "Response: Success\nMessage: Authentication accepted\n\n"
	msg, err := readFrame(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, "Authentication accepted", msg.Get("Message"))
}

func TestReadFrame_ValueWithColon(t *testing.T) {
	raw := "Variable: FAXFILE=/data/fax.tiff,JOBID=j:1\r\n\r\n"
	msg, err := readFrame(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, "FAXFILE=/data/fax.tiff,JOBID=j:1", msg.Get("Variable"))
}

func TestReadFrame_MultipleFrames(t *testing.T) {
	raw := "Response: Success\r\n\r\nEvent: UserEvent\r\nJobID: j2\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	first, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "Success", first.Get("Response"))

	second, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "j2", second.Get("JobID"))
}

func TestParseFaxResult(t *testing.T) {
	res := parseFaxResult("j1", Message{
		"Event": "UserEvent", "UserEvent": "FaxResult",
		"FaxStatus": "SUCCESS", "FaxPages": "3",
	})
	assert.Equal(t, "j1", res.JobID)
	assert.Equal(t, "SUCCESS", res.Status)
	assert.Equal(t, 3, res.Pages)
	assert.Empty(t, res.Error)

	res = parseFaxResult("j2", Message{
		"FaxStatus": "FAILED", "FaxError": "T.30 negotiation failed",
	})
	assert.Equal(t, "FAILED", res.Status)
	assert.Equal(t, "T.30 negotiation failed", res.Error)

	// Failure without detail gets the generic message.
	res = parseFaxResult("j3", Message{"FaxStatus": "FAILED"})
	assert.Equal(t, "transmission failed", res.Error)

	// Lowercase status from the dialplan still counts.
	res = parseFaxResult("j4", Message{"FaxStatus": "success"})
	assert.Equal(t, "SUCCESS", res.Status)

	// Unparseable page counts are ignored, not fatal.
	res = parseFaxResult("j5", Message{"FaxStatus": "SUCCESS", "FaxPages": "many"})
	assert.Equal(t, 0, res.Pages)
}

func TestParseFaxResult_OriginateRejected(t *testing.T) {
	res := parseFaxResult("j1", Message{
		"Response": "Error", "Message": "Channel not available",
	})
	assert.Equal(t, "FAILED", res.Status)
	assert.Equal(t, "Channel not available", res.Error)

	res = parseFaxResult("j2", Message{"Response": "Error"})
	assert.Equal(t, "originate rejected", res.Error)
}

func newTestClient(timeout time.Duration) *Client {
	return NewClient("localhost", "5038", "api", "secret", timeout, nil)
}

func TestDispatchCompletesWaiter(t *testing.T) {
	c := newTestClient(time.Second)
	ch := c.subscribe("j1")

	// A non-terminal command ack must not complete the waiter.
	c.dispatch(Message{"Response": "Success", "ActionID": "j1"})
	select {
	case <-ch:
		t.Fatal("command ack completed the waiter")
	default:
	}

	c.dispatch(Message{
		"Event": "UserEvent", "UserEvent": "FaxResult",
		"JobID": "j1", "FaxStatus": "SUCCESS", "FaxPages": "2",
	})
	select {
	case msg := <-ch:
		res := parseFaxResult("j1", msg)
		assert.Equal(t, "SUCCESS", res.Status)
		assert.Equal(t, 2, res.Pages)
	default:
		t.Fatal("fax result did not reach the waiter")
	}
}

func TestDispatchErrorResponseCompletes(t *testing.T) {
	c := newTestClient(time.Second)
	ch := c.subscribe("j1")

	c.dispatch(Message{"Response": "Error", "ActionID": "j1", "Message": "Permission denied"})
	select {
	case msg := <-ch:
		res := parseFaxResult("j1", msg)
		assert.Equal(t, "FAILED", res.Status)
		assert.Equal(t, "Permission denied", res.Error)
	default:
		t.Fatal("error response did not reach the waiter")
	}
}

func TestDispatchIgnoresUncorrelatedFrames(t *testing.T) {
	c := newTestClient(time.Second)
	ch := c.subscribe("j1")

	c.dispatch(Message{"Event": "FullyBooted"})
	c.dispatch(Message{"Event": "UserEvent", "UserEvent": "FaxResult", "JobID": "other"})
	select {
	case <-ch:
		t.Fatal("uncorrelated frame completed the waiter")
	default:
	}
}

func TestWaitResult_Timeout(t *testing.T) {
	c := newTestClient(50 * time.Millisecond)
	c.subscribe("j1")

	_, err := c.WaitResult(t.Context(), "j1")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitResult_NoPendingCommand(t *testing.T) {
	c := newTestClient(time.Second)
	_, err := c.WaitResult(t.Context(), "never-originated")
	assert.Error(t, err)
}

func TestWaitResult_ClientClosed(t *testing.T) {
	c := newTestClient(time.Second)
	c.subscribe("j1")

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Close()
	}()
	_, err := c.WaitResult(t.Context(), "j1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWaitResult_ReceivesDispatched(t *testing.T) {
	c := newTestClient(time.Second)
	c.subscribe("j1")

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.dispatch(Message{
			"Event": "UserEvent", "UserEvent": "FaxResult",
			"JobID": "j1", "FaxStatus": "SUCCESS", "FaxPages": "1",
		})
	}()
	res, err := c.WaitResult(t.Context(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", res.Status)
	assert.Equal(t, 1, res.Pages)
}
