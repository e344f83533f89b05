// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "github.com/lazyaf/lazyaf/internal/common"

// Re-export common types so protocol consumers need a single import.
type Metadata = common.Metadata

// Event is re-exported from common.
type Event = common.Event

// CurrentProtocolVersion is re-exported from common.
const CurrentProtocolVersion = common.CurrentProtocolVersion
