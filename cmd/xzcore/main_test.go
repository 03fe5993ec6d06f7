package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/xzcore/pkg/command"
	"github.com/ajitpratap0/xzcore/pkg/core"
	"github.com/ajitpratap0/xzcore/pkg/testutil"
)

func TestConsoleArgs(t *testing.T) {
	assert.Nil(t, consoleArgs("   "))
	assert.Equal(t, []string{"status"}, consoleArgs("status"))
	assert.Equal(t, []string{"save"}, consoleArgs("/xzcore save"))
	assert.Equal(t, []string{"reload"}, consoleArgs("  XZCORE   reload "))
	assert.Empty(t, consoleArgs("/xzcore"))
	assert.NotNil(t, consoleArgs("/xzcore"))
}

func TestReadConsoleDispatchesVerbs(t *testing.T) {
	c := core.New(core.Options{ConfigPath: t.TempDir() + "/config.yml", Logger: testutil.TestLogger(t)})
	admin := command.NewAdmin("xzcore", c.API(), testutil.TestLogger(t))
	var out bytes.Buffer

	in := strings.NewReader("\nxzcore\nfly\n")
	readConsole(context.Background(), in, admin, &consoleSender{out: &out})

	assert.Equal(t, 2, strings.Count(out.String(), "Usage: /xzcore <reload|save|status>"))
}
