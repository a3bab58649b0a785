// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package emproxy // import "github.com/wabarc/emproxy"

import (
	"encoding/hex"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyHex returns k in the hex form expected by the UAPI.
func KeyHex(k wgtypes.Key) string {
	return hex.EncodeToString(k[:])
}
