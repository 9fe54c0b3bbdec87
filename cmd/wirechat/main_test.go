package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "chat", "token"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestChatRequiresOneChannel(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"chat", "--user", "alice"})
	assert.ErrorContains(t, root.Execute(), "exactly one of --dm or --community")

	root = newRootCommand()
	root.SetArgs([]string{"chat", "--user", "alice", "--dm", "bob", "--community", "general"})
	assert.ErrorContains(t, root.Execute(), "exactly one of --dm or --community")
}

func TestFormatMessage(t *testing.T) {
	at := time.Date(2024, 1, 2, 15, 4, 5, 0, time.Local)

	pending := core.Message{ClientID: "tmp-1", SenderID: "alice", Content: "hi", SentAt: at, Status: core.StatusPending}
	assert.Equal(t, "[15:04:05] tmp-1 alice: hi (pending)", formatMessage(pending))

	read := core.Message{ID: 7, ClientID: "tmp-1", SenderID: "alice", Content: "hi", SentAt: at, Read: true, Status: core.StatusConfirmed}
	assert.Equal(t, "[15:04:05] #7 alice: hi (read)", formatMessage(read))
}
