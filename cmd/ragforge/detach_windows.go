// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build windows

package main

import "os/exec"

func detach(cmd *exec.Cmd) {}
