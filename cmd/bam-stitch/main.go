package main

// bam-stitch reads a SAM or BAM file, writes it back out as a
// position-sorted BAM assembled from independently compressed shards,
// and builds the matching .bai index from aggregated shard sizes.
//
// Usage: bam-stitch -out output.bam input.sam

import (
	"flag"
	"io"
	"io/ioutil"
	"os"
	"runtime"

	"github.com/grailbio/bamstitch/stitch"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
)

var (
	samInputFlag        = flag.Bool("sam", true, "Specify that the input is in SAM format")
	outFlag             = flag.String("out", "", "Path of the output BAM file; the index is written to this path + .bai")
	scratchDirFlag      = flag.String("scratch-dir", "", "Directory for in-flight shard files (default: a temporary directory)")
	recordsPerShardFlag = flag.Int("records-per-shard", 256<<10, "Approx. number of records per data shard")
	refsPerIndexFlag    = flag.Int("refs-per-index-shard", 1, "Number of references handled by one index shard task")
)

// recordReader is implemented by both sam.Reader and bam.Reader.
type recordReader interface {
	Header() *sam.Header
	Read() (*sam.Record, error)
}

// openInput creates a BAM or SAM reader.
func openInput(inPath string) recordReader {
	var in io.Reader
	if inPath == "-" {
		in = os.Stdin
	} else {
		ctx := vcontext.Background()
		f, err := file.Open(ctx, inPath) // Note: f is leaked.
		if err != nil {
			log.Panicf("open %v: %v", inPath, err)
		}
		in = f.Reader(ctx)
	}

	var err error
	var reader recordReader
	if *samInputFlag {
		reader, err = sam.NewReader(in)
		if err != nil {
			log.Panicf("open %v: failed to open SAM: %v", inPath, err)
		}
	} else {
		reader, err = bam.NewReader(in, runtime.NumCPU())
		if err != nil {
			log.Panicf("open %v: failed to open BAM: %v", inPath, err)
		}
	}
	return reader
}

func readAll(r recordReader) []*sam.Record {
	var recs []*sam.Record
	for {
		rec, err := r.Read()
		if rec == nil {
			if err != io.EOF {
				log.Panicf("failed to read record %d: %v", len(recs), err)
			}
			break
		}
		recs = append(recs, rec)
	}
	return recs
}

func main() {
	shutdown := grail.Init()
	defer shutdown()

	args := flag.Args()
	if len(args) != 1 || *outFlag == "" {
		log.Fatalf("usage: bam-stitch -out output.bam input")
	}
	in := openInput(args[0])
	records := readAll(in)

	scratchDir := *scratchDirFlag
	if scratchDir == "" {
		dir, err := ioutil.TempDir("", "bam-stitch")
		if err != nil {
			log.Fatalf("create scratch dir: %v", err)
		}
		defer os.RemoveAll(dir)
		scratchDir = dir
	}

	partitions := stitch.PartitionRecords(records, *recordsPerShardFlag)
	anchorRef, anchorPos, ok := stitch.AnchorFromPartitions(partitions)
	if !ok {
		log.Fatalf("%s: no mapped records, cannot place the header", args[0])
	}
	info := stitch.HeaderInfo{
		Header:    in.Header(),
		AnchorRef: anchorRef,
		AnchorPos: anchorPos,
	}

	ctx := vcontext.Background()
	bamPath, baiPath, err := stitch.Stitch(ctx, stitch.Options{
		Output:            *outFlag,
		ScratchDir:        scratchDir,
		RefsPerIndexShard: *refsPerIndexFlag,
	}, info, partitions)
	if err != nil {
		log.Fatalf("stitch %s: %v", *outFlag, err)
	}
	log.Printf("wrote %s and %s (%d records)", bamPath, baiPath, len(records))
}
