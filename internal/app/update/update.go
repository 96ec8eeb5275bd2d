/*
Package update performs the startup release-version check.

It asks the release registry for the latest published release and logs a
notice when a newer version is available. The check is fire-and-forget and
informational only; it never affects relay behavior.
*/
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"blivecast/internal/pkg/logx"
)

// Version is the release tag of this build.
const Version = "v1.1.4"

// defaultReleaseURL points at the latest published release.
const defaultReleaseURL = "https://api.github.com/repos/xfgryujk/blivechat/releases/latest"

const checkTimeout = 10 * time.Second

// release is the subset of the registry response the check reads.
type release struct {
	Name    string `json:"name"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
}

// CheckLatest fetches the latest release and logs a notice if its name
// differs from the built-in version. Callers run it in its own goroutine;
// failures are logged at debug level and otherwise ignored.
func CheckLatest(ctx context.Context) {
	checkLatest(ctx, defaultReleaseURL)
}

func checkLatest(ctx context.Context, url string) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	rel, err := fetchLatest(ctx, url)
	if err != nil {
		logx.Logger().Debug().Err(err).Msg("Release version check failed.")
		return
	}

	if rel.Name == Version {
		return
	}

	logx.Info("New version available",
		"current", Version,
		"latest", rel.Name,
		"notes", rel.Body,
		"download", rel.HTMLURL,
	)
}

func fetchLatest(ctx context.Context, url string) (release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return release{}, err
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return release{}, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return release{}, fmt.Errorf("release registry returned status %d", res.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(res.Body).Decode(&rel); err != nil {
		return release{}, err
	}

	return rel, nil
}
