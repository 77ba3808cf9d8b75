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

package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeenAfterMark(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.Seen("fp-1"))

	c.Mark("fp-1")

	assert.True(t, c.Seen("fp-1"))
	assert.False(t, c.Seen("fp-2"))
}

func TestExpiredEntriesAreNotSeen(t *testing.T) {
	c := New(10*time.Millisecond, 10)
	defer c.Close()

	c.Mark("fp-1")
	assert.True(t, c.Seen("fp-1"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, c.Seen("fp-1"))
}

func TestEvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 1; i <= 3; i++ {
		c.Mark(fmt.Sprintf("fp-%d", i))
	}

	c.Mark("fp-4")

	assert.False(t, c.Seen("fp-1"), "oldest entry should be evicted")
	assert.True(t, c.Seen("fp-2"))
	assert.True(t, c.Seen("fp-4"))
	assert.Equal(t, 3, c.Len())
}

func TestReMarkMovesEntryToBack(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.Mark("fp-1")
	c.Mark("fp-2")
	c.Mark("fp-1") // refresh, fp-2 is now oldest
	c.Mark("fp-3")

	assert.True(t, c.Seen("fp-1"))
	assert.False(t, c.Seen("fp-2"))
	assert.True(t, c.Seen("fp-3"))
}
