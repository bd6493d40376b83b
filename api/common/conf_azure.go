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
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/mitchellh/go-homedir"
	ini "gopkg.in/ini.v1"
)

const AzuriteEndpoint = "http://127.0.0.1:10000/devstoreaccount1/"

type SASTokenProvider func() (string, error)

type AZBlobConfig struct {
	Endpoint         string
	AccountName      string
	AccountKey       string
	SasToken         SASTokenProvider
	TokenRenewBuffer time.Duration

	// retries are done by the http client, not the pipeline
	MaxRetries int

	Container string
	Prefix    string
}

func (config *AZBlobConfig) Init() {
	config.TokenRenewBuffer = 15 * time.Minute
	if config.MaxRetries == 0 {
		config.MaxRetries = 10
	}
}

var azbLog = GetLogger("azblob")

// azureConfigCredentials reads the [storage] section of the azure cli
// config file
func azureConfigCredentials(configDir string) (account string, key string) {
	config, err := ini.Load(configDir + "/config")
	if err != nil {
		return
	}

	sect, err := config.GetSection("storage")
	if err != nil {
		return
	}

	if k, err := sect.GetKey("account"); err == nil {
		account = k.Value()
	}
	if k, err := sect.GetKey("key"); err == nil {
		key = k.Value()
	}
	return
}

// AzureBlobConfig builds the configuration for an account from, in
// order: an account embedded in the location (container@host), the
// endpoint, the AZURE_STORAGE_* environment, and ~/.azure/config
func AzureBlobConfig(endpoint string, location string) (config AZBlobConfig, err error) {
	account := os.Getenv("AZURE_STORAGE_ACCOUNT")
	key := os.Getenv("AZURE_STORAGE_KEY")
	configDir := os.Getenv("AZURE_CONFIG_DIR")

	// check if the url contains the storage endpoint
	at := strings.Index(location, "@")
	if at != -1 {
		storageEndpoint := "https://" + location[at+1:]
		u, urlErr := url.Parse(storageEndpoint)
		if urlErr == nil {
			// if it's valid, then it overrides --endpoint
			endpoint = storageEndpoint
			config.Container = location[:at]
			config.Prefix = strings.Trim(u.Path, "/")
		}
	} else {
		config.Container = location
	}

	// parse account from endpoint
	if endpoint != "" && endpoint != AzuriteEndpoint {
		var u *url.URL
		u, err = url.Parse(endpoint)
		if err != nil {
			return
		}

		dot := strings.Index(u.Hostname(), ".")
		if dot != -1 {
			account = u.Hostname()[:dot]
		}
	}

	if account == "" || key == "" {
		if configDir == "" {
			configDir, _ = homedir.Expand("~/.azure")
		}
		cfgAccount, cfgKey := azureConfigCredentials(configDir)
		if account == "" && cfgAccount != "" {
			account = cfgAccount
			azbLog.Debugf("Using azure account: %v", account)
		}
		if key == "" {
			key = cfgKey
		}
	}

	// at this point I have to have the account
	if account == "" {
		err = fmt.Errorf("Missing account: configure via AZURE_STORAGE_ACCOUNT "+
			"or %v/config", configDir)
		return
	}
	if key == "" {
		err = fmt.Errorf("Missing key: configure via AZURE_STORAGE_KEY "+
			"or %v/config", configDir)
		return
	}

	if endpoint == "" {
		endpoint = "https://" + account + ".blob." +
			azure.PublicCloud.StorageEndpointSuffix
		azbLog.Infof("Unable to detect endpoint for account %v, using %v",
			account, endpoint)
	}

	config.Init()
	config.Endpoint = endpoint
	config.AccountName = account
	config.AccountKey = key

	return
}
