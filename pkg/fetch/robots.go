package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/temoto/robotstxt"

	"github.com/Sriram-PR/harvester/pkg/utils"
)

// maxRobotsSize caps how much of a robots.txt body is parsed
const maxRobotsSize = 512 << 10

// FetchRobotsTxt implements Connector. A 4xx means the site has no rules;
// network errors and 5xx are returned so the caller can decide.
func (c *HTTPConnector) FetchRobotsTxt(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	robotsLog := c.log.WithField("robots_url", robotsURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}

	resp, release, err := c.do(ctx, req)
	if err != nil {
		if errors.Is(err, utils.ErrClientHTTPError) && !errors.Is(err, utils.ErrRetryFailed) {
			robotsLog.Debug("No robots.txt")
			return nil, nil
		}
		return nil, err
	}
	defer release()
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		robotsLog.Warnf("Unparseable robots.txt, ignoring: %v", err)
		return nil, nil
	}
	robotsLog.WithField("sitemaps", len(data.Sitemaps)).Info("Fetched robots.txt")
	return data, nil
}
