package redisconv

import "testing"

func TestKeyHelpers(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"job key", JobKey("job-1"), "job:job-1"},
		{"active set key", ActiveSetKey("worker-1"), "jobs:active:worker-1"},
		{"worker key", WorkerKey("worker-1"), "worker:worker-1"},
		{"progress stream key", ProgressStreamKey("job-1"), "progress:job-1"},
		{"command stream key", CommandStreamKey("worker-1"), "commands:worker-1"},
		{"connector key", ConnectorKey("conn-1"), "connector:conn-1"},
		{"machine event channel", MachineEventChannel("m1", "w1"), "machine:m1:worker:w1"},
		{"connector status channel", ConnectorStatusChannel("conn-1"), "connector_status:conn-1"},
		{"webhook key", WebhookKey("wh-1"), "webhook:wh-1"},
		{"webhook history key", WebhookHistoryKey("wh-1"), "webhook:wh-1:history"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("got %q, want %q", tc.got, tc.want)
			}
		})
	}
}

func TestCompletionAttestationKeyOmitsWorkflowSegmentWhenEmpty(t *testing.T) {
	got := CompletionAttestationKey("", "job-1", 2)
	want := "worker:completion:job-job-1:attempt:2"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	got = CompletionAttestationKey("wf-1", "job-1", 2)
	want = "worker:completion:workflow-wf-1:job-job-1:attempt:2"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRetryFailureAttestationKeyOmitsWorkflowSegmentWhenEmpty(t *testing.T) {
	got := RetryFailureAttestationKey("", "job-1", 1)
	want := "worker:failure:job-job-1:attempt:1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	got = RetryFailureAttestationKey("wf-1", "job-1", 1)
	want = "worker:failure:workflow-wf-1:job-job-1:attempt:1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPermanentFailureAttestationKeyOmitsWorkflowSegmentWhenEmpty(t *testing.T) {
	got := PermanentFailureAttestationKey("", "job-1")
	want := "worker:failure:job-job-1:permanent"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	got = PermanentFailureAttestationKey("wf-1", "job-1")
	want = "worker:failure:workflow-wf-1:job-job-1:permanent"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWorkflowFailureKeyNilAttemptMeansPermanent(t *testing.T) {
	got := WorkflowFailureKey("wf-1", nil)
	want := "workflow:failure:wf-1:permanent"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	attempt := 3
	got = WorkflowFailureKey("wf-1", &attempt)
	want = "workflow:failure:wf-1:attempt:3"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPriorityScoreOrdersHigherPriorityFirst(t *testing.T) {
	lowPriority := PriorityScore(1, 1000)
	highPriority := PriorityScore(10, 1000)

	if highPriority >= lowPriority {
		t.Fatalf("expected higher priority job to sort first (lower score): high=%v low=%v", highPriority, lowPriority)
	}
}

func TestPriorityScoreOrdersEarlierSubmissionFirstWhenPriorityEqual(t *testing.T) {
	earlier := PriorityScore(5, 1000)
	later := PriorityScore(5, 2000)

	if earlier >= later {
		t.Fatalf("expected earlier submission to sort first: earlier=%v later=%v", earlier, later)
	}
}
