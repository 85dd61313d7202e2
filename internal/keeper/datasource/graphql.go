package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
	"github.com/trigg3rX/power-agent-node/pkg/http"
)

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type graphqlClient struct {
	url  string
	http http.JSONPoster
}

// query posts q and decodes its data field into out. Transport and
// GraphQL-level failures are both index source errors.
func (c *graphqlClient) query(ctx context.Context, q string, vars map[string]interface{}, out interface{}) error {
	var resp graphqlResponse
	if err := c.http.PostJSON(ctx, c.url, nil, graphqlRequest{Query: q, Variables: vars}, &resp); err != nil {
		return fmt.Errorf("%w: %w", kerrors.ErrIndexSource, err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("%w: %s", kerrors.ErrIndexSource, strings.Join(msgs, "; "))
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return fmt.Errorf("%w: empty data", kerrors.ErrIndexSource)
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("%w: decode: %v", kerrors.ErrIndexSource, err)
	}
	return nil
}
