// Copyright 2019 Ka-Hing Cheung
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
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const CGROUP_PATH = "/proc/self/cgroup"
const CGROUP_FOLDER_PREFIX = "/sys/fs/cgroup/memory"
const CGROUP2_FOLDER = "/sys/fs/cgroup"
const MEM_LIMIT_FILE_SUFFIX = "/memory.limit_in_bytes"
const MEM_USAGE_FILE_SUFFIX = "/memory.usage_in_bytes"
const MEM2_LIMIT_FILE = "/memory.max"
const MEM2_USAGE_FILE = "/memory.current"

var errNoCgroupLimit = errors.New("memory cgroup has no limit")

// getCgroupAvailableMem returns limit - usage of the memory cgroup of
// this process, for both cgroup v1 and v2
func getCgroupAvailableMem() (retVal uint64, err error) {
	data, err := os.ReadFile(CGROUP_PATH)
	if err != nil {
		mbufLog.Debugf("Unable to read file %s error: %s", CGROUP_PATH, err)
		return 0, err
	}

	path, v2, err := getMemoryCgroupPath(string(data))
	if err != nil {
		mbufLog.Debugf("Unable to get memory cgroup path")
		return 0, err
	}

	limitFile, usageFile := MEM_LIMIT_FILE_SUFFIX, MEM_USAGE_FILE_SUFFIX
	prefix := CGROUP_FOLDER_PREFIX
	if v2 {
		limitFile, usageFile = MEM2_LIMIT_FILE, MEM2_USAGE_FILE
		prefix = CGROUP2_FOLDER
	}

	// containers usually mount their own cgroup directly under the
	// prefix rather than under the path seen from the host
	if _, err := os.Stat(filepath.Join(prefix, path)); err == nil {
		path = filepath.Join(prefix, path)
	} else {
		path = prefix
	}

	mbufLog.Debugf("the memory cgroup path for the current process is %v", path)

	memLimit, err := readFileAndGetValue(filepath.Join(path, limitFile))
	if err != nil {
		mbufLog.Debugf("Unable to get memory limit from cgroup error: %v", err)
		return 0, err
	}

	memUsage, err := readFileAndGetValue(filepath.Join(path, usageFile))
	if err != nil {
		mbufLog.Debugf("Unable to get memory usage from cgroup error: %v", err)
		return 0, err
	}

	if memUsage > memLimit {
		return 0, nil
	}
	return memLimit - memUsage, nil
}

func getMemoryCgroupPath(data string) (path string, v2 bool, err error) {

	/*
	   Content of /proc/self/cgroup

	   11:hugetlb:/
	   10:memory:/user.slice
	   9:cpuset:/
	   ...
	   1:name=systemd:/user.slice/user-1000.slice/session-1759.scope

	   or with cgroup v2 a single line

	   0::/user.slice/user-1000.slice/session-3.scope
	*/

	for _, line := range strings.Split(data, "\n") {
		kvArray := strings.SplitN(line, ":", 3)
		if len(kvArray) != 3 {
			continue
		}
		if kvArray[1] == "memory" {
			return kvArray[2], false, nil
		}
		if kvArray[0] == "0" && kvArray[1] == "" {
			path, v2 = kvArray[2], true
		}
	}

	if v2 {
		return
	}
	return "", false, errors.New("Unable to get memory cgroup path")
}

func readFileAndGetValue(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		mbufLog.Debugf("Unable to read file %v error: %v", path, err)
		return 0, err
	}

	value := strings.TrimSpace(string(data))
	if value == "max" {
		return 0, errNoCgroupLimit
	}
	return strconv.ParseUint(value, 10, 64)
}
