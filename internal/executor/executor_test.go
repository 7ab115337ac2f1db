package executor

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate/internal/model"
)

func TestValidate_Allowed(t *testing.T) {
	cases := []Command{
		{Name: "wg", Args: []string{"show", "wg0", "transfer"}},
		{Name: "wg", Args: []string{"set", "wg0", "peer", "abc=", "allowed-ips", "10.0.0.2/32"}},
		{Name: "awg", Args: []string{"show", "all", "dump"}},
		{Name: "wg", Args: []string{"genkey"}},
		{Name: "wg-quick", Args: []string{"save", "wg0"}},
		{Name: "ip", Args: []string{"-6", "addr", "add", "fd00::1/64", "dev", "wg0"}},
		{Name: "ip", Args: []string{"link", "show", "wg0"}},
		{Name: "tc", Args: []string{"-s", "qdisc", "show", "dev", "wg0"}},
		{Name: "tc", Args: []string{"class", "add", "dev", "wg0", "parent", "1:", "classid", "1:a2", "htb", "rate", "1000kbit"}},
		{Name: "modprobe", Args: []string{"ifb"}},
		{Name: "7z", Args: []string{"a", "-t7z", "-m0=lzma2", "/tmp/out.7z", "wg0.conf"}},
		{Name: "/usr/local/bin/udptlspipe", Args: []string{"--server", "-l", "0.0.0.0:443", "-d", "127.0.0.1:51820", "-p", "c2VjcmV0_-"}},
	}
	for _, c := range cases {
		assert.NoError(t, Validate(c), c.String())
	}
}

func TestValidate_Rejected(t *testing.T) {
	cases := map[string]Command{
		"unknown binary":     {Name: "bash", Args: []string{"-c", "id"}},
		"wg subcommand":      {Name: "wg", Args: []string{"syncconf", "wg0", "/tmp/x"}},
		"metacharacter":      {Name: "wg", Args: []string{"show", "wg0;reboot"}},
		"bad interface":      {Name: "wg", Args: []string{"set", "../../etc", "peer", "x"}},
		"ip subtree":         {Name: "ip", Args: []string{"netns", "exec", "x", "sh"}},
		"tc subcommand":      {Name: "tc", Args: []string{"exec", "bpf"}},
		"wg-quick arity":     {Name: "wg-quick", Args: []string{"up"}},
		"relative path":      {Name: "bin/wg", Args: []string{"show"}},
		"udptlspipe flag":    {Name: "udptlspipe", Args: []string{"--exec", "x"}},
		"udptlspipe missing": {Name: "udptlspipe", Args: []string{"-l"}},
		"too many wg args":   {Name: "wg", Args: make([]string, 21)},
	}
	for name, c := range cases {
		err := Validate(c)
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, model.ErrInvalidInput), name)
	}
}

func TestValidate_LongArgument(t *testing.T) {
	long := make([]byte, maxArgLen+1)
	for i := range long {
		long[i] = 'a'
	}
	err := Validate(Command{Name: "ip", Args: []string{"link", string(long)}})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

var anyArg = regexp.MustCompile(`.*`)

func newTestExecutor() *Executor {
	e := New(zerolog.Nop(), prometheus.NewRegistry())
	e.Allow("sh", Policy{})
	e.Allow("sleep", Policy{})
	return e
}

func TestRun_CapturesOutput(t *testing.T) {
	e := newTestExecutor()

	res, err := e.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out && echo err >&2"}})
	// The policy has no Permit, so the redirect is rejected.
	require.Error(t, err)
	assert.Nil(t, res)

	e.Allow("sh", Policy{Permit: anyArg})
	res, err = e.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out && echo err >&2"}})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRun_NonZeroExit(t *testing.T) {
	e := newTestExecutor()
	e.Allow("sh", Policy{Permit: anyArg})

	res, err := e.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrExternalToolFailure))
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, err.Error(), "broken")
}

func TestRun_Stdin(t *testing.T) {
	e := newTestExecutor()

	res, err := e.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "read x; echo $x"}, Stdin: []byte("hello\n")})
	// $ is a metacharacter without a permit.
	require.Error(t, err)

	e.Allow("sh", Policy{Permit: anyArg})
	res, err = e.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "read x; echo $x"}, Stdin: []byte("hello\n")})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestRun_Timeout(t *testing.T) {
	e := newTestExecutor()
	e.SetGrace(100 * time.Millisecond)

	start := time.Now()
	res, err := e.Run(context.Background(), Command{Name: "sleep", Args: []string{"10"}, Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNotFound(t *testing.T) {
	assert.True(t, NotFound(model.ToolFailure("tc", "RTNETLINK answers: No such file or directory", errors.New("exit 2"))))
	assert.True(t, NotFound(model.ToolFailure("tc", "Error: Cannot find specified qdisc on specified device.", errors.New("exit 2"))))
	assert.False(t, NotFound(model.ToolFailure("tc", "Error: Exclusivity flag on", errors.New("exit 2"))))
	assert.False(t, NotFound(errors.New("Cannot find")))
	assert.False(t, NotFound(nil))
}
