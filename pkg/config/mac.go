/*
 * Copyright 2025 ESSL Cloud Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"strings"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// physicalMAC returns the MAC address of the first physical-looking
// interface. Virtual interfaces (loopback, docker bridges, veth pairs)
// are skipped. Returns "" when nothing usable is found; the MAC is an
// identity hint for the server, not a requirement.
func physicalMAC() string {
	ifaces, err := gnet.Interfaces()
	if err != nil {
		return ""
	}

	for _, iface := range ifaces {
		if isVirtualInterface(iface.Name) {
			continue
		}

		if iface.HardwareAddr == "" || iface.HardwareAddr == "00:00:00:00:00:00" {
			continue
		}

		loopback := false

		for _, flag := range iface.Flags {
			if flag == "loopback" {
				loopback = true
				break
			}
		}

		if loopback {
			continue
		}

		return iface.HardwareAddr
	}

	return ""
}

func isVirtualInterface(name string) bool {
	for _, prefix := range []string{"lo", "docker", "br-", "veth"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	return false
}
