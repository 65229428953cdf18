package main

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	peerIDChars    = "abcdefghijklmnopqrstuvwxyz0123456789"
	peerIDLength   = 7
	roomCodeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	roomCodeLength = 6
	maxRoomCode    = 12
)

// randomString draws n characters uniformly from letters, discarding bytes
// that would bias the modulo.
func randomString(letters string, n int) string {
	limit := byte(255 - (256 % len(letters)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= limit {
				out = append(out, letters[int(b)%len(letters)])
				if len(out) == n {
					return string(out)
				}
			}
		}
	}

	return string(out)
}

func genPeerID() string {
	return randomString(peerIDChars, peerIDLength)
}

func genRoomCode() string {
	return randomString(roomCodeChars, roomCodeLength)
}

// normalizeRoomCode upper-cases a user supplied code and checks that it is
// alphanumeric and of a plausible length.
func normalizeRoomCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < roomCodeLength || len(code) > maxRoomCode {
		return "", fmt.Errorf("%w: %q", errInvalidRoomCode, code)
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: %q", errInvalidRoomCode, code)
		}
	}
	return code, nil
}

func validPeerID(id string) bool {
	if id == "" || len(id) > 32 {
		return false
	}
	for _, r := range id {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
