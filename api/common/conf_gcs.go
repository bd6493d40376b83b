// Copyright 2019 Databricks
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

package common

import (
	"context"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
)

type GCSConfig struct {
	Credentials *google.Credentials
	ProjectId   string
	Bucket      string
	Prefix      string

	// compose accepts at most this many sources per call
	MaxComposeSources int
}

func NewGCSConfig(projectId string, bucket string, prefix string) (*GCSConfig, error) {
	ctx := context.Background()

	credentials, err := google.FindDefaultCredentials(ctx, storage.ScopeReadWrite)
	if err != nil {
		return nil, err
	}

	if projectId == "" {
		projectId = credentials.ProjectID
	}

	return &GCSConfig{
		Credentials:       credentials,
		Bucket:            bucket,
		Prefix:            prefix,
		ProjectId:         projectId,
		MaxComposeSources: 32,
	}, nil
}
