package internal

import (
	"errors"

	. "gopkg.in/check.v1"
)

type ParseBucketTest struct{}

var _ = Suite(&ParseBucketTest{})

func (s *ParseBucketTest) TestParseBucketSpec(t *C) {
	testCases := []struct {
		input    string
		expected BucketSpec
	}{
		{
			input: "s3://bucketName/hello/everyone",
			expected: BucketSpec{
				Scheme: "s3",
				Bucket: "bucketName",
				Key:    "hello/everyone",
			},
		},
		{
			input: "gs://bucketName/hello/everyone",
			expected: BucketSpec{
				Scheme: "gs",
				Bucket: "bucketName",
				Key:    "hello/everyone",
			},
		},
		{
			input: "bucketName/hello/everyone",
			expected: BucketSpec{
				Scheme: "s3",
				Bucket: "bucketName",
				Key:    "hello/everyone",
			},
		},
		{
			input: "WASBS://container//dir/",
			expected: BucketSpec{
				Scheme: "wasbs",
				Bucket: "container",
				Key:    "dir/",
			},
		},
		{
			input: "wasb://container",
			expected: BucketSpec{
				Scheme: "wasb",
				Bucket: "container",
			},
		},
	}

	for _, tc := range testCases {
		spec, err := ParseBucketSpec(tc.input)
		t.Assert(err, IsNil)
		t.Assert(spec, DeepEquals, tc.expected, Commentf("%v", tc.input))
	}
}

func (s *ParseBucketTest) TestParseBucketSpecInvalid(t *C) {
	for _, input := range []string{"ftp://host/file", "s3:///key", "", "gs://"} {
		_, err := ParseBucketSpec(input)
		t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true, Commentf("%v", input))
	}
}

func (s *ParseBucketTest) TestBucketSpecString(t *C) {
	spec := BucketSpec{Scheme: "gs", Bucket: "b", Key: "a/b"}
	t.Assert(spec.String(), Equals, "gs://b/a/b")
}
