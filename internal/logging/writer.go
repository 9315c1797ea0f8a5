package logging

import "os"

func newSyncWriter() *os.File { return os.Stdout }
