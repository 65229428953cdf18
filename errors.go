/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

var (
	errAlreadyInRoom   = errors.New("already in a room")
	errNotInRoom       = errors.New("not in a room")
	errInvalidName     = errors.New("a nickname is required")
	errInvalidRoomCode = errors.New("invalid room code")
	errInvalidRounds   = errors.New("rounds must be at least 1")
	errNotHost         = errors.New("only the host may do that")
	errNotPlaying      = errors.New("no game in progress")
	errGameStarted     = errors.New("game already started")
	errNoAssignment    = errors.New("player has no story this turn")
	errPlayerOffline   = errors.New("player is offline")
	errMailboxClosed   = errors.New("mailbox closed")
	errLinkNotOpen     = errors.New("data channel not open")
	errLeftRoom        = errors.New("left room")
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func errorf(format string, args ...any) {
	log.Printf("%s | ERROR: "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body{font-family:system-ui,sans-serif;margin:2rem;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body>%s</body></html>", body))

	return htmlBody.String()
}
