/*
Licensed to the Apache Software Foundation (ASF) under one
or more contributor license agreements.  See the NOTICE file
distributed with this work for additional information
regarding copyright ownership.  The ASF licenses this file
to you under the Apache License, Version 2.0 (the
"License"); you may not use this file except in compliance
with the License.  You may obtain a copy of the License at

  http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing,
software distributed under the License is distributed on an
"AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
KIND, either express or implied.  See the License for the
specific language governing permissions and limitations
under the License.
*/

package main

import (
	"flag"
	"os"

	"k8s.io/klog"

	"github.com/ofhv/hypervisor/internal/hypervisor"
	"github.com/ofhv/hypervisor/internal/slicecfg"
)

// demoRegistry builds the slice/virtual-switch configuration this binary
// runs with. Loading this from a file is explicitly out of scope
// (spec.md §1 Non-goals); a real deployment wires a loader in here.
func demoRegistry() *slicecfg.Registry {
	registry := slicecfg.NewRegistry()

	slice := &slicecfg.Slice{
		ID:             1,
		ControllerHost: "127.0.0.1",
		ControllerPort: 6633,
		MaxRatePPS:     10000,
		VirtualSwitches: []slicecfg.VirtualSwitchConfig{
			{
				DatapathID: 0x1,
				Ports: []slicecfg.VirtualPort{
					{VirtualPortNo: 1, PhysicalDatapathID: 0x1, PhysicalPortNo: 1},
					{VirtualPortNo: 2, PhysicalDatapathID: 0x2, PhysicalPortNo: 1},
				},
			},
		},
	}
	if err := registry.Add(slice); err != nil {
		klog.Errorf("error building demo slice registry: %v", err)
		os.Exit(1)
	}
	return registry
}

func main() {
	listenAddr := flag.String("listen", ":6653", "address to listen on for physical switch connections")
	flag.Parse()

	klog.Info("starting hypervisor")

	hv := hypervisor.New(demoRegistry())
	go hv.Run()

	if err := hv.Serve(*listenAddr); err != nil {
		klog.Errorf("error running hypervisor: %v", err)
		os.Exit(1)
	}
}
