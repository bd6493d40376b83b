// Copyright 2015 Ka-Hing Cheung
// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	. "github.com/kahing/blobstream/api/common"

	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"text/template"

	"github.com/docker/go-units"
	"github.com/urfave/cli"
)

var s3Flags map[string]bool

// Set up custom help text; in particular the s3 only options.
func onlyS3(flags []cli.Flag, s3 bool) (ret []cli.Flag) {
	for _, f := range flags {
		if s3Flags[f.GetName()] == s3 {
			ret = append(ret, f)
		}
	}
	return
}

func init() {
	cli.CommandHelpTemplate = `NAME:
   {{.HelpName}} - {{.Usage}}

USAGE:
   {{.HelpName}} [options] {{.ArgsUsage}}
{{if .VisibleFlags}}
OPTIONS:
   {{range onlyS3 .VisibleFlags false}}{{.}}
   {{end}}
AWS S3 OPTIONS:
   {{range onlyS3 .VisibleFlags true}}{{.}}
   {{end}}{{end}}
`
}

func transferFlags() []cli.Flag {
	return []cli.Flag{
		/////////////////////////
		// Transfer
		/////////////////////////

		cli.StringFlag{
			Name:  "chunk-size",
			Value: "4MiB",
			Usage: "Size of each uploaded block or part, and of each downloaded range.",
		},

		cli.IntFlag{
			Name:  "parallel",
			Value: DEFAULT_PARALLELISM,
			Usage: "Number of chunks transferred at the same time.",
		},

		cli.StringFlag{
			Name:  "max-buffer-memory",
			Usage: "Memory used to buffer streamed uploads. (default: a quarter of free memory)",
		},

		cli.BoolFlag{
			Name:  "content-md5",
			Usage: "Store the MD5 of the whole blob when the backend supports it.",
		},

		cli.BoolFlag{
			Name:  "transactional-md5",
			Usage: "Send the MD5 of each chunk so the server can verify it.",
		},

		cli.BoolFlag{
			Name:  "page-blob",
			Usage: "Upload as an Azure page blob instead of a block blob.",
		},

		cli.StringFlag{
			Name:  "page-blob-size",
			Usage: "Minimum size of the page blob, the file size rounded up to 512 bytes by default.",
		},

		cli.BoolFlag{
			Name:  "gzip",
			Usage: "Compress the data before uploading it.",
		},

		cli.BoolFlag{
			Name:  "use-content-type",
			Usage: "Set Content-Type according to file extension and /etc/mime.types (default: off)",
		},

		cli.StringFlag{
			Name:  "endpoint",
			Value: "",
			Usage: "The non-default endpoint to connect to." +
				" Possible values: http://127.0.0.1:9000/, " + AzuriteEndpoint,
		},

		/////////////////////////
		// Tuning
		/////////////////////////

		cli.StringFlag{
			Name:  "block-cache-size",
			Value: "1MiB",
			Usage: "Size of the blocks cached when reading a blob.",
		},

		cli.Float64Flag{
			Name:  "block-cache-mem-ratio",
			Value: DEFAULT_BLOCK_CACHE_MEM_RATIO,
			Usage: "Fraction of total memory the read cache may use.",
		},

		cli.DurationFlag{
			Name:  "http-timeout",
			Usage: "Timeout of each s3 request. (default: none)",
		},

		/////////////////////////
		// S3
		/////////////////////////

		cli.StringFlag{
			Name:  "region",
			Value: "us-east-1",
			Usage: "The region to connect to." +
				" Possible values: us-east-1, us-west-1, us-west-2, eu-west-1, " +
				"eu-central-1, ap-southeast-1, ap-southeast-2, ap-northeast-1, " +
				"sa-east-1, cn-north-1",
		},

		cli.StringFlag{
			Name:  "storage-class",
			Value: "STANDARD",
			Usage: "The type of storage to use when writing objects." +
				" Possible values: REDUCED_REDUNDANCY, STANDARD, STANDARD_IA.",
		},

		cli.StringFlag{
			Name:  "profile",
			Usage: "Use a named profile from $HOME/.aws/credentials instead of \"default\"",
		},

		cli.BoolFlag{
			Name:  "subdomain",
			Usage: "Enable subdomain mode of S3",
		},

		/// http://docs.aws.amazon.com/AmazonS3/latest/dev/UsingServerSideEncryption.html
		cli.BoolFlag{
			Name:  "sse",
			Usage: "Enable basic server-side encryption at rest (SSE-S3) in S3 for all writes (default: off)",
		},

		cli.StringFlag{
			Name:  "sse-kms",
			Usage: "Enable KMS encryption (SSE-KMS) for all writes using this particular KMS `key-id`. Leave blank to Use the account's CMK - customer master key (default: off)",
			Value: "",
		},

		/// http://docs.aws.amazon.com/AmazonS3/latest/dev/acl-overview.html#canned-acl
		cli.StringFlag{
			Name:  "acl",
			Usage: "The canned ACL to apply to the object. Possible values: private, public-read, public-read-write, authenticated-read, aws-exec-read, bucket-owner-read, bucket-owner-full-control (default: off)",
			Value: "",
		},

		/////////////////////////
		// Debugging
		/////////////////////////

		cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable transfer debugging output.",
		},

		cli.BoolFlag{
			Name:  "debug_s3",
			Usage: "Enable S3-related debugging output.",
		},

		cli.StringFlag{
			Name:  "log-file",
			Usage: "Redirect logs to this file instead of stderr.",
		},

		cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "Serve prometheus metrics on this address, e.g. :9090",
		},
	}
}

func NewApp() (app *cli.App) {
	app = cli.NewApp()
	app.Name = "blobstream"
	app.Version = "0.1.0"
	app.Usage = "Move large files in and out of cloud blob storage in parallel chunks"
	app.Writer = os.Stderr

	flags := transferFlags()
	app.Commands = []cli.Command{
		{
			Name:      "upload",
			Usage:     "Upload a local file, or stdin if it is -",
			ArgsUsage: "file scheme://bucket/key",
			Flags:     flags,
		},
		{
			Name:      "download",
			Usage:     "Download a blob into a local file",
			ArgsUsage: "scheme://bucket/key file",
			Flags:     flags,
		},
		{
			Name:      "cat",
			Usage:     "Write a blob to stdout",
			ArgsUsage: "scheme://bucket/key",
			Flags:     flags,
		},
		{
			Name:      "copy",
			Usage:     "Copy a blob, possibly between clouds",
			ArgsUsage: "scheme://bucket/key scheme://bucket/key",
			Flags:     flags,
		},
	}

	var funcMap = template.FuncMap{
		"onlyS3": onlyS3,
		"join":   strings.Join,
	}

	s3Flags = map[string]bool{"region": true, "sse": true, "sse-kms": true,
		"storage-class": true, "acl": true, "profile": true, "subdomain": true,
		"debug_s3": true, "http-timeout": true}

	cli.HelpPrinter = func(w io.Writer, templ string, data interface{}) {
		w = tabwriter.NewWriter(w, 1, 8, 2, ' ', 0)
		var tmplGet = template.Must(template.New("help").Funcs(funcMap).Parse(templ))
		tmplGet.Execute(w, data)
		w.(*tabwriter.Writer).Flush()
	}

	return
}

func parseSize(c *cli.Context, name string) (int64, error) {
	v := c.String(name)
	if v == "" {
		return 0, nil
	}

	size, err := units.RAMInBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid --%v %v: %v", name, v, err)
	}
	if size < 0 {
		return 0, fmt.Errorf("invalid --%v %v: negative", name, v)
	}
	return size, nil
}

// PopulateFlags reads the options of a command into a FlagStorage
func PopulateFlags(c *cli.Context) (ret *FlagStorage, err error) {
	flags := &FlagStorage{
		Parallelism:      uint32(c.Int("parallel")),
		ContentMD5:       c.Bool("content-md5"),
		TransactionalMD5: c.Bool("transactional-md5"),
		PageBlob:         c.Bool("page-blob"),
		Gzip:             c.Bool("gzip"),

		UseContentType: c.Bool("use-content-type"),
		Endpoint:       c.String("endpoint"),

		// Tuning,
		BlockReadCacheMemRatio: c.Float64("block-cache-mem-ratio"),
		HTTPTimeout:            c.Duration("http-timeout"),

		// Debugging,
		DebugUpload: c.Bool("debug"),
		DebugS3:     c.Bool("debug_s3"),
		LogFile:     c.String("log-file"),
		MetricsAddr: c.String("metrics-addr"),
	}

	if c.Int("parallel") <= 0 {
		return nil, fmt.Errorf("invalid --parallel %v", c.Int("parallel"))
	}

	if flags.ChunkSize, err = parseSize(c, "chunk-size"); err != nil {
		return
	}
	if flags.PageBlobSize, err = parseSize(c, "page-blob-size"); err != nil {
		return
	}

	var size int64
	if size, err = parseSize(c, "max-buffer-memory"); err != nil {
		return
	}
	flags.MaxBufferMemory = uint64(size)

	if size, err = parseSize(c, "block-cache-size"); err != nil {
		return
	}
	flags.BlockReadCacheSize = uint64(size)

	s3 := (&S3Config{
		Profile:      c.String("profile"),
		Region:       c.String("region"),
		StorageClass: c.String("storage-class"),
		UseSSE:       c.Bool("sse"),
		UseKMS:       c.IsSet("sse-kms"),
		KMSKeyID:     c.String("sse-kms"),
		ACL:          c.String("acl"),
		Subdomain:    c.Bool("subdomain"),
	}).Init()

	// KMS implies SSE
	if s3.UseKMS {
		s3.UseSSE = true
	}
	flags.Backend = s3

	err = flags.Validate()
	if err != nil {
		return
	}
	return flags, nil
}
