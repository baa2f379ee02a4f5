// Package approval holds the persistence-free core of the expense approval
// workflow: choosing the rule that governs an amount, resolving a rule into an
// ordered plan of approver waves, and turning a wave's recorded actions into a
// verdict. The services package owns loading, transactions and state.
package approval
