// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import rnaseq "github.com/arvados/lightning-rnaseq"

func main() {
	rnaseq.Main()
}
