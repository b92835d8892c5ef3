package tone

import "testing"

func TestAnalyzeFrustratedVisitorGetsApology(t *testing.T) {
	decision := Analyze("The checkout page is broken and I'm frustrated", "Let me walk you through it.")
	if decision.Tone != Apologetic {
		t.Fatalf("expected apologetic tone, got %s", decision.Tone)
	}
	if decision.Scale < 1 || decision.Scale > 3.5 {
		t.Fatalf("tone scale out of range: %f", decision.Scale)
	}
}

func TestAnalyzeEnthusiasticReply(t *testing.T) {
	decision := Analyze("What's new?", "We just launched something amazing!!!")
	if decision.Tone != Enthusiastic {
		t.Fatalf("expected enthusiastic tone, got %s", decision.Tone)
	}
	if decision.Scale < 3 {
		t.Fatalf("expected boosted scale, got %f", decision.Scale)
	}
}

func TestAnalyzeConfusedVisitor(t *testing.T) {
	decision := Analyze("I can't find the pricing", "It's under Plans.")
	if decision.Tone != Reassuring {
		t.Fatalf("expected reassuring tone, got %s", decision.Tone)
	}
}

func TestAnalyzeNeutral(t *testing.T) {
	decision := Analyze("What's this?", "It's the homepage.")
	if decision.Tone != Neutral || decision.Scale != 3 {
		t.Fatalf("expected neutral/3, got %s/%f", decision.Tone, decision.Scale)
	}
}
