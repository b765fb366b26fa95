// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package acl

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Constructor takes a config string (optionally empty) and returns a Runtime.
type Constructor func(config string) (Runtime, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register runtime with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the runtime constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the names of the registered runtimes, sorted.
func Registered() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default runtime configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// RuntimeEnvVar is the environment variable with the default runtime configuration to use.
//
// The format of config is "<runtime_name>:<runtime_configuration>".
// The "<runtime_name>" is the name of a registered runtime (e.g.: "native") and
// "<runtime_configuration>" is runtime specific (e.g.: for the native runtime, the path to the aclInit json config).
const RuntimeEnvVar = "MMDEPLOY_ACL_RUNTIME"

// New returns a new default Runtime.
//
// The default is:
//
// 1. The environment MMDEPLOY_ACL_RUNTIME is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered runtime is used with an empty configuration.
func New() (Runtime, error) {
	config, found := os.LookupEnv(RuntimeEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as "<runtime_name>:<runtime_configuration>".
// If there is no ":" in config, it is taken as the runtime name.
// An empty runtime name selects the first registered runtime.
func NewWithConfig(config string) (Runtime, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.New(`no registered ACL runtimes -- maybe import the native one with ` +
			`import _ "github.com/testacc-art/mmdeploy/backends/acl/native"?`)
	}
	runtimeName, runtimeConfig := config, ""
	if idx := strings.Index(config, ":"); idx != -1 {
		runtimeName = config[:idx]
		runtimeConfig = config[idx+1:]
	}
	if runtimeName == "" {
		runtimeName = firstRegistered
	}
	constructor, found := registeredConstructors[runtimeName]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find ACL runtime %q for configuration %q given, registered runtimes: %q",
			runtimeName, config, Registered())
	}
	klog.V(1).Infof("creating ACL runtime %q (config %q)", runtimeName, runtimeConfig)
	rt, err := constructor(runtimeConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "ACL runtime %q", runtimeName)
	}
	return rt, nil
}
