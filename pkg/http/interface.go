package http

import "context"

// JSONPoster sends one JSON body and decodes the JSON reply. The subgraph
// reader and the bundle relay client only need this much.
type JSONPoster interface {
	PostJSON(ctx context.Context, url string, headers map[string]string, in, out any) error
}
