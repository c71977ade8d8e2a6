package reqcache

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func connectivityErr() error {
	return &url.Error{Op: "Get", URL: "https://discord.com/api/v9/discovery/categories", Err: http.ErrHandlerTimeout}
}

func platformErr() error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusForbidden},
		Message:  &discordgo.APIErrorMessage{Code: 50001, Message: "Missing Access"},
	}
}
