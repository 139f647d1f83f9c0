package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/golang/glog"
)

type CSV struct{}

func (c *CSV) Write(ctx context.Context, events <-chan Event) error {
	w := csv.NewWriter(os.Stdout)
	w.Write([]string{
		"Session",
		"Source",
		"Type",
		"CenterFrequency",
		"SampleRate",
		"Frames",
		"Datagrams",
		"Bytes",
		"Detail",
		"UnixMilli",
	})

	for e := range events {
		if err := w.Write([]string{
			e.Session,
			e.Source,
			e.Type,
			fmt.Sprintf("%d", e.CenterFrequency),
			fmt.Sprintf("%d", e.SampleRate),
			fmt.Sprintf("%d", e.Frames),
			fmt.Sprintf("%d", e.Datagrams),
			fmt.Sprintf("%d", e.Bytes),
			e.Detail,
			fmt.Sprintf("%d", e.Time.UnixMilli()),
		}); err != nil {
			glog.Warningf("error while writing CSV line: %s\n", err)
		}

		w.Flush()
		if err := w.Error(); err != nil {
			glog.Warningf("error flushing CSV: %s\n", err)
		}
	}
	return nil
}
