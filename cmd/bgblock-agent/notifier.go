// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package main

// notifier logs the events meant for the scheduler. Without a scheduler
// attached there is nobody to requeue jobs or drain nodes.
type notifier struct{}

func (*notifier) RequeueJob(jobID int, reason string) {
	log.Warn("job %d should be requeued: %s", jobID, reason)
}

func (*notifier) FailJob(jobID int, reason string) {
	log.Warn("job %d should be failed: %s", jobID, reason)
}

func (*notifier) DrainMidplane(name, reason string) {
	log.Warn("midplane %s should be drained: %s", name, reason)
}

func (*notifier) MidplaneDown(name string, cpus int, reason string) {
	log.Warn("midplane %s has %d cpus down: %s", name, cpus, reason)
}

func (*notifier) MidplaneUp(name string) {
	log.Info("midplane %s is up", name)
}

func (*notifier) BlockError(id string) {
	log.Warn("block %s is in error", id)
}
