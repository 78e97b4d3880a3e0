package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recovery/internal/install"
	"recovery/internal/session"
)

func TestInstanceLockReleased(t *testing.T) {
	require.NoError(t, createInstanceLock())
	require.Error(t, checkSingleInstance(), "a live lock must block a second session")

	removeInstanceLock()
	assert.NoError(t, checkSingleInstance())
}

func TestSessionEpilogue(t *testing.T) {
	assert.Equal(t, epilogueReboot,
		sessionEpilogue(false, install.StatusSuccess, session.Options{}, false))
	assert.Equal(t, epiloguePrompt,
		sessionEpilogue(false, install.StatusError, session.Options{}, false))
	assert.Equal(t, epiloguePrompt,
		sessionEpilogue(false, install.StatusSuccess, session.Options{}, true))
}

func TestAutoRebootSideloadRebootsOnFailure(t *testing.T) {
	auto := session.Options{Sideload: true, SideloadAutoReboot: true}

	assert.Equal(t, epilogueReboot,
		sessionEpilogue(false, install.StatusError, auto, false))
	// Unless someone turned the text on during the transfer.
	assert.Equal(t, epiloguePrompt,
		sessionEpilogue(false, install.StatusError, auto, true))
}

func TestHeadlessAlwaysParks(t *testing.T) {
	auto := session.Options{Sideload: true, SideloadAutoReboot: true}

	assert.Equal(t, epiloguePark,
		sessionEpilogue(true, install.StatusSuccess, session.Options{}, false))
	assert.Equal(t, epiloguePark,
		sessionEpilogue(true, install.StatusError, auto, false))
}
