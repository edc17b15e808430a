package classifier

import (
	"errors"
	"testing"
)

const sampleTrace = `System.InvalidOperationException: Order not found
   at Sales.OrderHandler.Handle(PlaceOrder message) in C:\src\Sales\OrderHandler.cs:line 42
   at NServiceBus.InvokeHandlerTerminator.Terminate(IInvokeHandlerContext context)`

type panicky struct{}

func (panicky) Name() string { return "Panicky" }
func (panicky) Classify(d Details) (string, error) { panic("boom") }

type failing struct{}

func (failing) Name() string { return "Failing" }
func (failing) Classify(d Details) (string, error) { return "", errors.New("nope") }

func TestFirstFrame(t *testing.T) {
	tests := []struct {
		name  string
		trace string
		want  string
	}{
		{"dotnet trace", sampleTrace, "Sales.OrderHandler.Handle(PlaceOrder message)"},
		{"no frames", "something went wrong", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FirstFrame(tt.trace); got != tt.want {
				t.Errorf("FirstFrame() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassify_DeterministicAndOrdered(t *testing.T) {
	d := Details{
		ExceptionType: "System.InvalidOperationException",
		StackTrace:    sampleTrace,
		MessageType:   "Sales.PlaceOrder",
		QueueAddress:  "sales",
	}

	first, err := Default().Classify(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := Default().Classify(d)

	if len(first) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(first))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("group %d id not deterministic: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
	want := "System.InvalidOperationException was thrown at Sales.OrderHandler.Handle(PlaceOrder message)"
	if first[0].Title != want {
		t.Errorf("unexpected primary title %q", first[0].Title)
	}
	if first[0].Type != "Exception Type and Stack Trace" {
		t.Errorf("unexpected primary type %q", first[0].Type)
	}
}

func TestClassify_DifferentQueueDifferentGroup(t *testing.T) {
	a, _ := NewSet(EndpointAddress{}).Classify(Details{QueueAddress: "sales"})
	b, _ := NewSet(EndpointAddress{}).Classify(Details{QueueAddress: "billing"})
	if a[0].ID == b[0].ID {
		t.Error("expected different group ids for different queues")
	}
}

func TestClassify_SameTitleDifferentClassifier(t *testing.T) {
	groups, _ := NewSet(MessageType{}, EndpointAddress{}).Classify(Details{MessageType: "x", QueueAddress: "x"})
	if len(groups) != 2 || groups[0].ID == groups[1].ID {
		t.Errorf("expected distinct groups per classifier, got %+v", groups)
	}
}

func TestClassify_ErrorsDoNotBlockOthers(t *testing.T) {
	var reported []string
	set := NewSet(panicky{}, failing{}, EndpointAddress{}).OnError(func(name string, err error) {
		reported = append(reported, name)
	})

	groups, err := set.Classify(Details{QueueAddress: "sales"})
	if err == nil {
		t.Fatal("expected joined classifier error")
	}
	if len(groups) != 1 || groups[0].Title != "sales" {
		t.Errorf("expected the endpoint group to survive, got %+v", groups)
	}
	if len(reported) != 2 {
		t.Errorf("expected 2 reported errors, got %v", reported)
	}
}

func TestClassify_NoInputNoGroups(t *testing.T) {
	groups, err := Default().Classify(Details{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("expected no groups, got %+v", groups)
	}
}
