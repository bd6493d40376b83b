package main

import (
	blobstream "github.com/kahing/blobstream/api"
	. "github.com/kahing/blobstream/api/common"

	"context"
	"fmt"
)

func main() {
	flags := &FlagStorage{
		ChunkSize:   DEFAULT_CHUNK_SIZE,
		Parallelism: DEFAULT_PARALLELISM,
		ContentMD5:  true,
	}

	stats, err := blobstream.Upload(context.Background(), "/tmp/big.bin", nil,
		"wasb://container/backups/", flags)
	if err != nil {
		panic(fmt.Sprintf("Unable to upload /tmp/big.bin: %v", err))
	} else {
		fmt.Printf("uploaded %v bytes to %v in %v chunks\n", stats.Bytes, stats.Key, stats.Chunks)
	}
}
