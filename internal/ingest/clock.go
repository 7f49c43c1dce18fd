package ingest

import "time"

func nowSeconds() int64 { return time.Now().Unix() }
func nowMillis() int64  { return time.Now().UnixMilli() }
