/*
 * Copyright (C) 2020-2022, IrineSistiana
 * Copyright (C) 2026, pmkol
 *
 * This file is part of httpsdns.
 *
 * httpsdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * httpsdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package mlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(&LogConfig{Level: "not-a-level"})
	require.Error(t, err)

	lg, err := NewLogger(&LogConfig{})
	require.NoError(t, err)
	require.NotNil(t, lg)

	file := filepath.Join(t.TempDir(), "out.log")
	lg, err = NewLogger(&LogConfig{Level: "debug", File: file, Production: true})
	require.NoError(t, err)
	lg.Debug("hello")
	require.NoError(t, lg.Sync())

	b, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"hello"`)
}
