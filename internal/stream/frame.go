package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/resource"
)

// eventName is "{resource}_{operation}", e.g. "post_update".
func eventName(res string, op oplog.Operation) string {
	return res + "_" + string(op)
}

// writeChange writes one change frame:
//
//	id: {seconds}_{sequence}
//	event: {resource}_{operation}
//	data: {json record}
func writeChange(w io.Writer, pos oplog.Position, event string, rec resource.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", pos, event, data)
	return err
}

// writeTick writes a keep-alive frame carrying the tick counter.
func writeTick(w io.Writer, n int) error {
	_, err := fmt.Fprintf(w, "data: %d\n\n", n)
	return err
}
