// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	require.True(t, IsUsageError(errors.New("unknown flag: --frobnicate")))
	require.True(t, IsUsageError(errors.New("failed to load config file 'x.toml': no such file")))
	require.False(t, IsUsageError(errors.New("syncd: failed to open state db: timeout")))
}
