package shm

import (
	"os"
	"time"
)

func mtimeAgeSeconds(fi os.FileInfo) int64 {
	return int64(time.Since(fi.ModTime()).Seconds())
}
