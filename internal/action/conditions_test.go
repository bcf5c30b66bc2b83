package action

import "testing"

func TestTagConditionNumericComparisons(t *testing.T) {
	cases := []struct {
		c    TagCondition
		new  string
		want string
		ok   bool
	}{
		{TagLess, "3", "5", true},
		{TagLess, "5", "5", false},
		{TagLessEqual, "5", "5", true},
		{TagGreater, "6", "5", true},
		{TagGreaterEqual, "5", "5", true},
		{TagEqualNumber, "5", "5", true},
		{TagNotEqualNumber, "5", "5", false},
	}
	for _, tc := range cases {
		if got := tc.c.Check(tc.new, nil, tc.want); got != tc.ok {
			t.Errorf("%v.Check(%q, nil, %q) = %v, want %v", tc.c, tc.new, tc.want, got, tc.ok)
		}
	}
}

func TestTagConditionBooleanAliases(t *testing.T) {
	if !TagEqualNumber.Check("true", nil, "1") {
		t.Fatalf("\"true\" should parse as numeric 1")
	}
	if !TagEqualNumber.Check("false", nil, "0") {
		t.Fatalf("\"false\" should parse as numeric 0")
	}
}

func TestTagConditionNumericComparisonFailsOnNonNumeric(t *testing.T) {
	if TagLess.Check("abc", nil, "5") {
		t.Fatalf("non-numeric value should fail a numeric comparison rather than error")
	}
}

func TestTagConditionStringEquality(t *testing.T) {
	if !TagEqualString.Check("on", nil, "on") {
		t.Fatalf("expected string equality to match")
	}
	if !TagNotEqualString.Check("on", nil, "off") {
		t.Fatalf("expected string inequality to match")
	}
}

func TestTagChangedRequiresPriorObservation(t *testing.T) {
	if TagChanged.Check("x", nil, "") {
		t.Fatalf("TagChanged must not fire without a previous observation")
	}
	prev := "x"
	if TagChanged.Check("x", &prev, "") {
		t.Fatalf("TagChanged must not fire when value is unchanged")
	}
	prev = "y"
	if !TagChanged.Check("x", &prev, "") {
		t.Fatalf("TagChanged should fire when value differs from previous")
	}
}

func TestAlarmConditionNoneAndAny(t *testing.T) {
	if !AlarmNone.Check(0, nil) {
		t.Fatalf("AlarmNone should be satisfied by a zero count")
	}
	if AlarmNone.Check(1, nil) {
		t.Fatalf("AlarmNone should not be satisfied by a nonzero count")
	}
	if !AlarmAny.Check(1, nil) {
		t.Fatalf("AlarmAny should be satisfied by any nonzero count")
	}
}

func TestAlarmConditionIncDecNeverFireOnFirstObservation(t *testing.T) {
	if AlarmInc.Check(5, nil) {
		t.Fatalf("AlarmInc must not fire without a genuine previous observation")
	}
	if AlarmDec.Check(0, nil) {
		t.Fatalf("AlarmDec must not fire without a genuine previous observation")
	}
}

func TestAlarmConditionIncDecCompareAgainstPrevious(t *testing.T) {
	prev := 2
	if !AlarmInc.Check(3, &prev) {
		t.Fatalf("AlarmInc should fire when count rises above the previous observation")
	}
	if AlarmInc.Check(2, &prev) {
		t.Fatalf("AlarmInc should not fire when count is unchanged")
	}
	if !AlarmDec.Check(1, &prev) {
		t.Fatalf("AlarmDec should fire when count falls below the previous observation")
	}
}
